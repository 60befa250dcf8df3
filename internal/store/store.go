// Package store defines the transactional store the circulation core runs
// against. Every mutating operation of the system executes inside a single
// Update: either the full transition set commits, or none of it does.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/models"
)

// Tx is one consistent view of the data. Get methods fail with
// liberr.ErrNotFound for unknown identifiers; the lookup methods documented
// as optional return (nil, nil) when nothing matches.
//
// Put methods implement an atomic check-and-set: a record with Version 0 is
// created, any other version must match the stored one or the put fails with
// liberr.ErrConflict. On success the record's Version is bumped in place so
// a later put inside the same transaction sees the new version.
type Tx interface {
	GetBook(id uuid.UUID) (*models.Book, error)
	ListBooks() ([]*models.Book, error)
	PutBook(b *models.Book) error
	DeleteBook(id uuid.UUID) error

	GetCopy(id uuid.UUID) (*models.Copy, error)
	// CopyByCode is optional: (nil, nil) when no copy carries the code.
	CopyByCode(inventoryCode string) (*models.Copy, error)
	CopiesByBook(bookID uuid.UUID) ([]*models.Copy, error)
	PutCopy(c *models.Copy) error
	DeleteCopy(id uuid.UUID) error

	GetUser(id uuid.UUID) (*models.User, error)
	// UserByExternalID is optional: (nil, nil) when the roster key is unknown.
	UserByExternalID(externalID string) (*models.User, error)
	ListUsers() ([]*models.User, error)
	PutUser(u *models.User) error

	GetLoan(id uuid.UUID) (*models.Loan, error)
	// OpenLoanByCopy is optional: (nil, nil) when the copy has no open loan.
	OpenLoanByCopy(copyID uuid.UUID) (*models.Loan, error)
	CountOpenLoansByUser(userID uuid.UUID) (int, error)
	CountOverdueLoansByUser(userID uuid.UUID) (int, error)
	LoansByStatus(status models.LoanStatus) ([]*models.Loan, error)
	LoansByUser(userID uuid.UUID) ([]*models.Loan, error)
	PutLoan(l *models.Loan) error

	// SyncPointer is optional: (nil, nil) before the first committed page.
	SyncPointer(source string) (*models.SyncPointer, error)
	PutSyncPointer(p *models.SyncPointer) error

	// AppendAudit is write-only; entries are never mutated afterwards.
	AppendAudit(e *models.AuditEntry) error
	ListAudit(limit int) ([]*models.AuditEntry, error)
}

// Store runs functions against transactions.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn against a writable transaction and commits its writes
	// atomically when fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
}
