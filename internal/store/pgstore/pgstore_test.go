package pgstore

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

func setupTestStore(t *testing.T) *Pgstore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres unreachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := New(db)
	require.NoError(t, st.Migrate(context.Background()))

	_, err = db.Exec("TRUNCATE TABLE audit_log, loans, copies, books, users, sync_pointers CASCADE")
	require.NoError(t, err)
	return st
}

func TestBookRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	book := &models.Book{
		ID: uuid.New(), ISBN: "9780914098911", Title: "Calculus", Author: "Spivak",
		CourseTag: "MATH-101", Active: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.PutBook(book)
	}))
	assert.Equal(t, 1, book.Version)

	err := st.View(ctx, func(tx store.Tx) error {
		stored, err := tx.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, "Calculus", stored.Title)
		assert.Equal(t, "MATH-101", stored.CourseTag)
		assert.Equal(t, 1, stored.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestStaleVersionConflicts(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	book := &models.Book{
		ID: uuid.New(), ISBN: "9780914098911", Title: "Calculus", Author: "Spivak", Active: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.PutBook(book)
	}))

	stale := *book
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		current, err := tx.GetBook(book.ID)
		if err != nil {
			return err
		}
		current.Title = "Calculus, 3rd ed."
		return tx.PutBook(current)
	}))

	stale.Title = "Calculus, 2nd ed."
	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.PutBook(&stale)
	})
	assert.ErrorIs(t, err, liberr.ErrConflict)
}

func TestDuplicateInventoryCodeConflicts(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	book := &models.Book{
		ID: uuid.New(), ISBN: "9780914098911", Title: "Calculus", Author: "Spivak", Active: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return tx.PutCopy(&models.Copy{ID: uuid.New(), BookID: book.ID, InventoryCode: "INV-001", Status: models.CopyAvailable})
	}))

	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.PutCopy(&models.Copy{ID: uuid.New(), BookID: book.ID, InventoryCode: "INV-001", Status: models.CopyAvailable})
	})
	assert.ErrorIs(t, err, liberr.ErrConflict)
}

func TestSecondOpenLoanOnCopyConflicts(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	userID := uuid.New()
	copyID := uuid.New()
	bookID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutUser(&models.User{
			ID: userID, Email: "ada@example.edu", Name: "Ada Lovelace",
			Role: models.RoleStudent, Active: true, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutBook(&models.Book{
			ID: bookID, ISBN: "9780914098911", Title: "Calculus", Author: "Spivak", Active: true,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutCopy(&models.Copy{ID: copyID, BookID: bookID, InventoryCode: "INV-001", Status: models.CopyOnLoan}); err != nil {
			return err
		}
		return tx.PutLoan(&models.Loan{
			ID: uuid.New(), UserID: userID, CopyID: copyID,
			BorrowedAt: now, DueAt: now.AddDate(0, 0, 14), Status: models.LoanBorrowed,
		})
	}))

	// The partial unique index rejects a second open loan even if the
	// application-level checks were bypassed.
	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.PutLoan(&models.Loan{
			ID: uuid.New(), UserID: userID, CopyID: copyID,
			BorrowedAt: now, DueAt: now.AddDate(0, 0, 14), Status: models.LoanBorrowed,
		})
	})
	assert.ErrorIs(t, err, liberr.ErrConflict)
}

func TestSyncPointerRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.PutSyncPointer(&models.SyncPointer{Source: "isams", Cursor: "p1", LastRunAt: time.Now().UTC()})
	}))

	err := st.View(ctx, func(tx store.Tx) error {
		p, err := tx.SyncPointer("isams")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "p1", p.Cursor)

		missing, err := tx.SyncPointer("powerschool")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	book := &models.Book{
		ID: uuid.New(), ISBN: "9780914098911", Title: "Calculus", Author: "Spivak", Active: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return liberr.Validation("forced rollback")
	})
	require.Error(t, err)

	err = st.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetBook(book.ID)
		assert.ErrorIs(t, err, liberr.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestAuditAppendAndList(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"book.add", "loan.borrow", "loan.return"} {
		require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
			return tx.AppendAudit(&models.AuditEntry{
				Action: action, Entity: "loan", EntityID: uuid.NewString(),
				Payload: []byte(`{}`),
			})
		}))
	}

	err := st.View(ctx, func(tx store.Tx) error {
		entries, err := tx.ListAudit(2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "loan.return", entries[0].Action)
		return nil
	})
	require.NoError(t, err)
}
