package catalog

import (
	"context"
	"strings"
	"time"

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
	indexer Indexer
	log     *logrus.Logger
	tracer  trace.Tracer
}

// NewService creates a new catalog registry. indexer may be nil; search then
// falls back to a store scan.
func NewService(st store.Store, indexer Indexer, log *logrus.Logger) Service {
	return &service{
		store:   st,
		indexer: indexer,
		log:     log,
		tracer:  otel.Tracer("sfc-library-sys/catalog"),
	}
}

// requireActor loads the acting user and checks the capability. uuid.Nil is
// the system actor and is always allowed.
func requireActor(tx store.Tx, actorID uuid.UUID, action models.Action) error {
	if actorID == uuid.Nil {
		return nil
	}
	actor, err := tx.GetUser(actorID)
	if err != nil {
		return err
	}
	if !models.CanPerform(actor.Role, action) {
		return liberr.Policy("role %s may not perform %s", actor.Role, action)
	}
	return nil
}

func (s *service) AddBook(ctx context.Context, actorID uuid.UUID, isbn, title, author, courseTag string) (*models.Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book", trace.WithAttributes(attribute.String("book.isbn", isbn)))
	defer span.End()

	if isbn == "" || title == "" || author == "" {
		return nil, liberr.Validation("isbn, title and author are required")
	}

	now := time.Now().UTC()
	book := &models.Book{
		ID:        uuid.New(),
		ISBN:      isbn,
		Title:     title,
		Author:    author,
		CourseTag: courseTag,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := requireActor(tx, actorID, models.ActionManageCatalog); err != nil {
			return err
		}
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return audit.Record(tx, actorRef(actorID), "book.add", "book", book.ID.String(), BookAddedEvent{
			ID: book.ID, ISBN: isbn, Title: title, Author: author, CourseTag: courseTag,
		})
	})
	if err != nil {
		return nil, err
	}

	s.index(ctx, book)
	return book, nil
}

func (s *service) AddCopy(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID, inventoryCode, shelfLocation string) (*models.Copy, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_copy", trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	if inventoryCode == "" {
		return nil, liberr.Validation("inventory code is required")
	}

	copyRec := &models.Copy{
		ID:            uuid.New(),
		BookID:        bookID,
		InventoryCode: inventoryCode,
		ShelfLocation: shelfLocation,
		Status:        models.CopyAvailable,
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := requireActor(tx, actorID, models.ActionManageCatalog); err != nil {
			return err
		}
		book, err := tx.GetBook(bookID)
		if err != nil {
			return err
		}
		existing, err := tx.CopyByCode(inventoryCode)
		if err != nil {
			return err
		}
		if existing != nil {
			return liberr.Conflict("inventory code %s is already in use", inventoryCode)
		}
		if err := tx.PutCopy(copyRec); err != nil {
			return err
		}
		// totalCopies tracks copy count in the same transaction, so the
		// invariant holds after every commit.
		book.TotalCopies++
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return audit.Record(tx, actorRef(actorID), "copy.add", "copy", copyRec.ID.String(), CopyAddedEvent{
			ID: copyRec.ID, BookID: bookID, InventoryCode: inventoryCode,
			ShelfLocation: shelfLocation, TotalCopies: book.TotalCopies,
		})
	})
	if err != nil {
		return nil, err
	}
	return copyRec, nil
}

func (s *service) RetireBook(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.retire_book", trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := requireActor(tx, actorID, models.ActionManageCatalog); err != nil {
			return err
		}
		book, err := tx.GetBook(bookID)
		if err != nil {
			return err
		}
		if !book.Active {
			return nil
		}
		// No open-loan check: deactivation only blocks new borrows.
		book.Active = false
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return audit.Record(tx, actorRef(actorID), "book.retire", "book", bookID.String(), BookRetiredEvent{ID: bookID})
	})
	if err != nil {
		return err
	}

	s.unindex(ctx, bookID)
	return nil
}

func (s *service) DeleteBook(ctx context.Context, actorID uuid.UUID, bookID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book", trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := requireActor(tx, actorID, models.ActionManageCatalog); err != nil {
			return err
		}
		if _, err := tx.GetBook(bookID); err != nil {
			return err
		}
		copies, err := tx.CopiesByBook(bookID)
		if err != nil {
			return err
		}
		for _, c := range copies {
			if c.Status == models.CopyOnLoan {
				return liberr.Conflict("copy %s is on loan", c.InventoryCode)
			}
			open, err := tx.OpenLoanByCopy(c.ID)
			if err != nil {
				return err
			}
			if open != nil {
				return liberr.Conflict("copy %s has an open loan", c.InventoryCode)
			}
		}
		for _, c := range copies {
			if err := tx.DeleteCopy(c.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteBook(bookID); err != nil {
			return err
		}
		return audit.Record(tx, actorRef(actorID), "book.delete", "book", bookID.String(), BookDeletedEvent{
			ID: bookID, CopiesRemoved: len(copies),
		})
	})
	if err != nil {
		return err
	}

	s.unindex(ctx, bookID)
	return nil
}

func (s *service) GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error) {
	var book *models.Book
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		book, err = tx.GetBook(bookID)
		return err
	})
	return book, err
}

func (s *service) ListBooks(ctx context.Context) ([]*models.Book, error) {
	var books []*models.Book
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		books, err = tx.ListBooks()
		return err
	})
	return books, err
}

func (s *service) AvailableCount(ctx context.Context, bookID uuid.UUID) (int, error) {
	var count int
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetBook(bookID); err != nil {
			return err
		}
		copies, err := tx.CopiesByBook(bookID)
		if err != nil {
			return err
		}
		for _, c := range copies {
			if c.Status == models.CopyAvailable {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *service) CopyByCode(ctx context.Context, inventoryCode string) (*models.Copy, error) {
	var copyRec *models.Copy
	err := s.store.View(ctx, func(tx store.Tx) error {
		c, err := tx.CopyByCode(inventoryCode)
		if err != nil {
			return err
		}
		if c == nil {
			return liberr.NotFound("no copy with inventory code %s", inventoryCode)
		}
		copyRec = c
		return nil
	})
	return copyRec, err
}

func (s *service) Search(ctx context.Context, query string) ([]*models.Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.search", trace.WithAttributes(attribute.String("search.query", query)))
	defer span.End()

	if query == "" {
		return nil, liberr.Validation("search query is required")
	}

	if s.indexer != nil {
		ids, err := s.indexer.SearchBooks(ctx, query)
		if err == nil {
			return s.resolveBooks(ctx, ids)
		}
		s.log.WithError(err).Warn("search index unavailable, falling back to store scan")
	}

	var books []*models.Book
	err := s.store.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListBooks()
		if err != nil {
			return err
		}
		q := strings.ToLower(query)
		for _, b := range all {
			if !b.Active {
				continue
			}
			if strings.Contains(strings.ToLower(b.Title), q) ||
				strings.Contains(strings.ToLower(b.Author), q) ||
				b.ISBN == query {
				books = append(books, b)
			}
		}
		return nil
	})
	return books, err
}

func (s *service) resolveBooks(ctx context.Context, ids []uuid.UUID) ([]*models.Book, error) {
	var books []*models.Book
	err := s.store.View(ctx, func(tx store.Tx) error {
		for _, id := range ids {
			b, err := tx.GetBook(id)
			if err != nil {
				// The index may lag behind a delete.
				continue
			}
			if b.Active {
				books = append(books, b)
			}
		}
		return nil
	})
	return books, err
}

func (s *service) index(ctx context.Context, b *models.Book) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexBook(ctx, b); err != nil {
		s.log.WithError(err).WithField("book_id", b.ID).Warn("failed to index book")
	}
}

func (s *service) unindex(ctx context.Context, id uuid.UUID) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.RemoveBook(ctx, id); err != nil {
		s.log.WithError(err).WithField("book_id", id).Warn("failed to remove book from index")
	}
}

func actorRef(actorID uuid.UUID) *uuid.UUID {
	if actorID == uuid.Nil {
		return nil
	}
	return &actorID
}
