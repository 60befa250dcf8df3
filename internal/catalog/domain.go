package catalog

import (
	"github.com/google/uuid"
)

// BookAddedEvent is the audit payload for a new title.
type BookAddedEvent struct {
	ID        uuid.UUID `json:"id"`
	ISBN      string    `json:"isbn"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	CourseTag string    `json:"course_tag,omitempty"`
}

// CopyAddedEvent is the audit payload for a new physical copy.
type CopyAddedEvent struct {
	ID            uuid.UUID `json:"id"`
	BookID        uuid.UUID `json:"book_id"`
	InventoryCode string    `json:"inventory_code"`
	ShelfLocation string    `json:"shelf_location,omitempty"`
	TotalCopies   int       `json:"total_copies"`
}

// BookRetiredEvent is the audit payload for a deactivated title. Retiring
// only blocks new borrows; open loans stay valid.
type BookRetiredEvent struct {
	ID uuid.UUID `json:"id"`
}

// BookDeletedEvent is the audit payload for a removed title and its copies.
type BookDeletedEvent struct {
	ID            uuid.UUID `json:"id"`
	CopiesRemoved int       `json:"copies_removed"`
}
