package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/models"
)

// Service is the catalog registry: it owns Book and Copy records and answers
// availability queries. Mutating operations take the acting user; a nil actor
// (uuid.Nil) is the system itself and skips the capability check.
type Service interface {
	AddBook(ctx context.Context, actorID uuid.UUID, isbn, title, author, courseTag string) (*models.Book, error)
	AddCopy(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID, inventoryCode, shelfLocation string) (*models.Copy, error)
	RetireBook(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID) error
	DeleteBook(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID) error

	GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error)
	ListBooks(ctx context.Context) ([]*models.Book, error)
	AvailableCount(ctx context.Context, bookID uuid.UUID) (int, error)
	CopyByCode(ctx context.Context, inventoryCode string) (*models.Copy, error)
	Search(ctx context.Context, query string) ([]*models.Book, error)
}

// Indexer is the external search collaborator. The catalog treats it as best
// effort: indexing failures are logged, never surfaced to the caller.
type Indexer interface {
	IndexBook(ctx context.Context, b *models.Book) error
	RemoveBook(ctx context.Context, id uuid.UUID) error
	SearchBooks(ctx context.Context, query string) ([]uuid.UUID, error)
}
