package roster

import (
	"context"

	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/models"
)

// Source fetches pages from an external directory. An empty cursor starts
// from the beginning; any previously returned NextCursor resumes after the
// page it closed.
type Source interface {
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// Service reconciles the local user registry against external directories.
type Service interface {
	// Sync runs one incremental pass for the named source. A sync already in
	// flight for the same source is rejected with a ConflictError, not queued.
	Sync(ctx context.Context, source string) (*SyncResult, error)

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
}
