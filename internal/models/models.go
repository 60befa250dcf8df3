// Package models holds the entities shared by the catalog registry, the
// circulation engine, the roster sync and the audit log. Records reference
// each other by identifier only; there are no embedded back-pointers.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role of a user in the library.
type Role string

const (
	RoleStudent   Role = "student"
	RoleModerator Role = "moderator"
	RoleLibrarian Role = "librarian"
	RoleAdmin     Role = "admin"
)

// CopyStatus is the inventory state of one physical copy.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "AVAILABLE"
	CopyOnLoan    CopyStatus = "ON_LOAN"
	// CopyLost is terminal; a lost copy is never auto-restored.
	CopyLost CopyStatus = "LOST"
)

// LoanStatus is the state of one borrowing transaction.
type LoanStatus string

const (
	LoanBorrowed LoanStatus = "BORROWED"
	LoanOverdue  LoanStatus = "OVERDUE"
	// LoanReturned is terminal.
	LoanReturned LoanStatus = "RETURNED"
)

// NoticeKind records the last notification kind emitted for a loan, so the
// sweeper never emits the same notice twice.
type NoticeKind string

const (
	NoticeNone    NoticeKind = ""
	NoticeDueSoon NoticeKind = "DUE_SOON"
	NoticeOverdue NoticeKind = "OVERDUE"
)

// User is a borrower or staff member. ExternalID is the roster key for users
// provisioned by a directory sync; it is empty for locally created staff.
type User struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	FormYear   int       `json:"form_year,omitempty"`
	Role       Role      `json:"role"`
	Active     bool      `json:"active"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Book is a catalog title. TotalCopies always equals the number of Copy
// records referencing the book.
type Book struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	CourseTag   string    `json:"course_tag,omitempty"`
	TotalCopies int       `json:"total_copies"`
	Active      bool      `json:"active"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Copy is one inventory-tracked physical instance of a Book.
type Copy struct {
	ID            uuid.UUID  `json:"id"`
	BookID        uuid.UUID  `json:"book_id"`
	InventoryCode string     `json:"inventory_code"`
	ShelfLocation string     `json:"shelf_location,omitempty"`
	Status        CopyStatus `json:"status"`
	Version       int        `json:"version"`
}

// Loan is one borrowing transaction. At most one open loan references a copy
// at any time; a closed loan is never reopened.
type Loan struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	CopyID       uuid.UUID  `json:"copy_id"`
	BorrowedAt   time.Time  `json:"borrowed_at"`
	DueAt        time.Time  `json:"due_at"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	Status       LoanStatus `json:"status"`
	LateFeeCents int64      `json:"late_fee_cents,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	LastNotice   NoticeKind `json:"last_notice,omitempty"`
	Version      int        `json:"version"`
}

// Open reports whether the loan is still outstanding.
func (l *Loan) Open() bool {
	return l.Status == LoanBorrowed || l.Status == LoanOverdue
}

// SyncPointer is the resumable cursor for one external roster source. It is
// only ever advanced by a committed page apply.
type SyncPointer struct {
	Source    string    `json:"source"`
	Cursor    string    `json:"cursor"`
	LastRunAt time.Time `json:"last_run_at"`
	Version   int       `json:"version"`
}

// AuditEntry is an immutable record of one state-changing action. Entries are
// never updated or deleted after write.
type AuditEntry struct {
	ID        int64           `json:"id"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
