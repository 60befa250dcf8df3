package roster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ry4nng/sfc-library-sys/internal/audit"
	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

// service implements the Service interface.
type service struct {
	store   store.Store
	sources map[string]Source
	retries uint
	log     *logrus.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures optional service behavior.
type Option func(*service)

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates the roster sync service. sources maps source names to
// their directory clients; retries bounds the per-page fetch attempts.
func NewService(st store.Store, sources map[string]Source, retries uint, log *logrus.Logger, opts ...Option) Service {
	if retries == 0 {
		retries = 1
	}
	s := &service{
		store:    st,
		sources:  sources,
		retries:  retries,
		log:      log,
		tracer:   otel.Tracer("sfc-library-sys/roster"),
		now:      time.Now,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Sync(ctx context.Context, source string) (*SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "roster.sync", trace.WithAttributes(attribute.String("sync.source", source)))
	defer span.End()

	src, ok := s.sources[source]
	if !ok {
		return nil, liberr.NotFound("unknown roster source %s", source)
	}

	// Single-flight per source: a concurrent run would race on the pointer.
	s.mu.Lock()
	if s.inflight[source] {
		s.mu.Unlock()
		return nil, liberr.Conflict("sync already in progress for source %s", source)
	}
	s.inflight[source] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, source)
		s.mu.Unlock()
	}()

	cursor, err := s.committedCursor(ctx, source)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Source: source, Cursor: cursor}
	for {
		page, err := s.fetchPage(ctx, src, result.Cursor)
		if err != nil {
			// The cursor keeps its last committed value; the next run
			// resumes from this page.
			span.SetAttributes(attribute.Bool("sync.aborted", true))
			return nil, liberr.Sync("fetch page after cursor %q: %v", result.Cursor, err)
		}

		changed, err := s.applyPage(ctx, source, page)
		if err != nil {
			return nil, err
		}
		result.RecordsChanged += changed
		result.Pages++
		result.Cursor = page.NextCursor

		if !page.HasMore {
			break
		}
	}

	span.SetAttributes(attribute.Int("sync.records_changed", result.RecordsChanged))
	s.log.WithFields(logrus.Fields{
		"source":          source,
		"pages":           result.Pages,
		"records_changed": result.RecordsChanged,
	}).Info("roster sync complete")
	return result, nil
}

func (s *service) committedCursor(ctx context.Context, source string) (string, error) {
	var cursor string
	err := s.store.View(ctx, func(tx store.Tx) error {
		p, err := tx.SyncPointer(source)
		if err != nil {
			return err
		}
		if p != nil {
			cursor = p.Cursor
		}
		return nil
	})
	return cursor, err
}

// fetchPage retries transient source failures with bounded exponential
// backoff. Validation errors from the source are permanent.
func (s *service) fetchPage(ctx context.Context, src Source, cursor string) (*Page, error) {
	return backoff.Retry(ctx, func() (*Page, error) {
		page, err := src.FetchPage(ctx, cursor)
		if err != nil {
			if errors.Is(err, liberr.ErrValidation) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return page, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(s.retries))
}

// applyPage upserts one page of records and advances the cursor in the same
// transaction, so a committed page is never reapplied out of order. The
// upsert is keyed by external id and only writes fields that differ, which
// makes replaying an already-applied page a no-op.
func (s *service) applyPage(ctx context.Context, source string, page *Page) (int, error) {
	changed := 0
	err := s.store.Update(ctx, func(tx store.Tx) error {
		changed = 0
		for _, rec := range page.Records {
			if rec.ExternalID == "" {
				s.log.WithField("source", source).Warn("skipping roster record without external id")
				continue
			}
			recChanged, err := s.upsert(tx, source, rec)
			if err != nil {
				return err
			}
			if recChanged {
				changed++
			}
		}

		pointer, err := tx.SyncPointer(source)
		if err != nil {
			return err
		}
		if pointer == nil {
			pointer = &models.SyncPointer{Source: source}
		}
		pointer.Cursor = page.NextCursor
		pointer.LastRunAt = s.now().UTC()
		return tx.PutSyncPointer(pointer)
	})
	return changed, err
}

func (s *service) upsert(tx store.Tx, source string, rec Record) (bool, error) {
	user, err := tx.UserByExternalID(rec.ExternalID)
	if err != nil {
		return false, err
	}

	if user == nil {
		now := s.now().UTC()
		user = &models.User{
			ID:         uuid.New(),
			ExternalID: rec.ExternalID,
			Email:      rec.Email,
			Name:       rec.Name(),
			FormYear:   rec.FormYear,
			Role:       models.RoleStudent,
			Active:     rec.ActiveStatus(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.PutUser(user); err != nil {
			return false, err
		}
		return true, audit.Record(tx, nil, "user.sync", "user", user.ID.String(), UserSyncedEvent{
			UserID: user.ID, ExternalID: rec.ExternalID, Source: source, Created: true,
		})
	}

	// Only fields that actually differ count toward recordsChanged.
	var fields []string
	if user.Name != rec.Name() && rec.Name() != "" {
		user.Name = rec.Name()
		fields = append(fields, "name")
	}
	if user.Email != rec.Email && rec.Email != "" {
		user.Email = rec.Email
		fields = append(fields, "email")
	}
	if user.FormYear != rec.FormYear && rec.FormYear != 0 {
		user.FormYear = rec.FormYear
		fields = append(fields, "form_year")
	}
	// An inactive directory record never deletes the user; open loans must
	// keep their borrower. The user is blocked from new borrows instead.
	if user.Active != rec.ActiveStatus() {
		user.Active = rec.ActiveStatus()
		fields = append(fields, "active")
	}
	if len(fields) == 0 {
		return false, nil
	}

	user.UpdatedAt = s.now().UTC()
	if err := tx.PutUser(user); err != nil {
		return false, err
	}
	return true, audit.Record(tx, nil, "user.sync", "user", user.ID.String(), UserSyncedEvent{
		UserID: user.ID, ExternalID: rec.ExternalID, Source: source, Fields: fields,
	})
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user *models.User
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(id)
		return err
	})
	return user, err
}

func (s *service) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUsers()
		return err
	})
	return users, err
}
