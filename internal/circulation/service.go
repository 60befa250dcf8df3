package circulation

import (
	"context"

	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/models"
)

// Service is the circulation engine. It owns the loan state machine:
// BORROWED -> OVERDUE (sweeper-driven, reversed only by a return) and
// BORROWED/OVERDUE -> RETURNED (terminal).
type Service interface {
	// Borrow opens a loan for the user on the copy. All preconditions are
	// checked against one consistent snapshot and re-validated at commit.
	Borrow(ctx context.Context, userID, copyID uuid.UUID, notes string) (*models.Loan, error)

	// Return closes an open loan, restores the copy unless it is LOST, and
	// computes any late fee.
	Return(ctx context.Context, actorID, loanID uuid.UUID) (*models.Loan, error)

	// MarkLost writes the copy off. Any open loan stays open; closing it is
	// an explicit librarian action via Return.
	MarkLost(ctx context.Context, actorID, copyID uuid.UUID) error

	LoansForUser(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error)
	Stats(ctx context.Context) (*Stats, error)
}
