package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Policy holds the lending rules the engine enforces.
type Policy struct {
	DefaultLoanDays     int
	MaxLoansPerUser     int
	BlockAtOverdueCount int
	LateFeeEnabled      bool
	DailyLateFeeCents   int64
	DueSoonWindow       time.Duration
}

// Stats is the dashboard snapshot of circulation state.
type Stats struct {
	TotalCopies     int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
	OpenLoans       int `json:"open_loans"`
	OverdueLoans    int `json:"overdue_loans"`
	DueSoonLoans    int `json:"due_soon_loans"`
	ActiveStudents  int `json:"active_students"`
}

// LoanBorrowedEvent is the audit payload for a new loan.
type LoanBorrowedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	UserID     uuid.UUID `json:"user_id"`
	CopyID     uuid.UUID `json:"copy_id"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueAt      time.Time `json:"due_at"`
}

// LoanReturnedEvent is the audit payload for a closed loan.
type LoanReturnedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	UserID       uuid.UUID `json:"user_id"`
	CopyID       uuid.UUID `json:"copy_id"`
	ReturnedAt   time.Time `json:"returned_at"`
	LateFeeCents int64     `json:"late_fee_cents,omitempty"`
}

// CopyMarkedLostEvent is the audit payload for a copy written off.
type CopyMarkedLostEvent struct {
	CopyID uuid.UUID `json:"copy_id"`
	BookID uuid.UUID `json:"book_id"`
}
