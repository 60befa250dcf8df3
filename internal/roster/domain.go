package roster

import (
	"strings"

	"github.com/google/uuid"
)

// Record is one person as reported by the external directory.
type Record struct {
	ExternalID string `json:"external_id"`
	GivenName  string `json:"given_name"`
	Surname    string `json:"surname"`
	Email      string `json:"email"`
	FormYear   int    `json:"form_year"`
	Status     string `json:"status"`
}

// Name joins the directory name parts.
func (r Record) Name() string {
	return strings.TrimSpace(r.GivenName + " " + r.Surname)
}

// ActiveStatus reports whether the directory considers the person enrolled.
// Directories disagree on vocabulary; "active" and "current" both count.
func (r Record) ActiveStatus() bool {
	return strings.EqualFold(r.Status, "active") || strings.EqualFold(r.Status, "current")
}

// Page is one fetch from the external directory. NextCursor resumes after
// the page and must be accepted by the source at any later time.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// SyncResult reports one completed run.
type SyncResult struct {
	Source         string `json:"source"`
	RecordsChanged int    `json:"records_changed"`
	Pages          int    `json:"pages"`
	Cursor         string `json:"cursor"`
}

// UserSyncedEvent is the audit payload for a roster upsert.
type UserSyncedEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Source     string    `json:"source"`
	Created    bool      `json:"created"`
	Fields     []string  `json:"fields,omitempty"`
}
