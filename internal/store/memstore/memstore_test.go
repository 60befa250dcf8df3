package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

func newBook() *models.Book {
	return &models.Book{ID: uuid.New(), ISBN: "9780914098911", Title: "Calculus", Author: "Spivak", Active: true}
}

func TestPutCreatesAtVersionOne(t *testing.T) {
	st := New()
	book := newBook()

	err := st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(book)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, book.Version)

	err = st.View(context.Background(), func(tx store.Tx) error {
		stored, err := tx.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestPutExistingAtVersionZeroConflicts(t *testing.T) {
	st := New()
	book := newBook()

	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(book)
	}))

	dup := newBook()
	dup.ID = book.ID
	err := st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(dup)
	})
	assert.ErrorIs(t, err, liberr.ErrConflict)
}

func TestPutStaleVersionConflicts(t *testing.T) {
	st := New()
	book := newBook()

	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(book)
	}))

	stale := *book
	// A second writer commits first.
	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		current, err := tx.GetBook(book.ID)
		if err != nil {
			return err
		}
		current.Title = "Calculus, 3rd ed."
		return tx.PutBook(current)
	}))

	stale.Title = "Calculus, 2nd ed."
	err := st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(&stale)
	})
	assert.ErrorIs(t, err, liberr.ErrConflict)

	err = st.View(context.Background(), func(tx store.Tx) error {
		stored, err := tx.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, "Calculus, 3rd ed.", stored.Title)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	st := New()
	book := newBook()
	boom := errors.New("boom")

	err := st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.PutBook(book); err != nil {
			return err
		}
		if err := tx.AppendAudit(&models.AuditEntry{Action: "book.add", Entity: "book", EntityID: book.ID.String()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetBook(book.ID)
		assert.ErrorIs(t, err, liberr.ErrNotFound)

		entries, err := tx.ListAudit(10)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionSeesOwnWrites(t *testing.T) {
	st := New()
	book := newBook()

	err := st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.PutBook(book); err != nil {
			return err
		}
		stored, err := tx.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, book.Title, stored.Title)

		// And a second put in the same transaction sees the bumped version.
		stored.Title = "updated"
		return tx.PutBook(stored)
	})
	require.NoError(t, err)

	err = st.View(context.Background(), func(tx store.Tx) error {
		stored, err := tx.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, "updated", stored.Title)
		assert.Equal(t, 2, stored.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestViewRejectsWrites(t *testing.T) {
	st := New()

	err := st.View(context.Background(), func(tx store.Tx) error {
		return tx.PutBook(newBook())
	})
	assert.Error(t, err)
}

func TestOptionalLookups(t *testing.T) {
	st := New()

	err := st.View(context.Background(), func(tx store.Tx) error {
		cp, err := tx.CopyByCode("INV-404")
		require.NoError(t, err)
		assert.Nil(t, cp)

		u, err := tx.UserByExternalID("S-404")
		require.NoError(t, err)
		assert.Nil(t, u)

		l, err := tx.OpenLoanByCopy(uuid.New())
		require.NoError(t, err)
		assert.Nil(t, l)

		p, err := tx.SyncPointer("isams")
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteBookAndCopies(t *testing.T) {
	st := New()
	book := newBook()
	copyID := uuid.New()

	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.PutBook(book); err != nil {
			return err
		}
		return tx.PutCopy(&models.Copy{ID: copyID, BookID: book.ID, InventoryCode: "INV-001", Status: models.CopyAvailable})
	}))

	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.DeleteCopy(copyID); err != nil {
			return err
		}
		return tx.DeleteBook(book.ID)
	}))

	err := st.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetBook(book.ID)
		assert.ErrorIs(t, err, liberr.ErrNotFound)
		_, err = tx.GetCopy(copyID)
		assert.ErrorIs(t, err, liberr.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	err = st.Update(context.Background(), func(tx store.Tx) error {
		return tx.DeleteBook(book.ID)
	})
	assert.ErrorIs(t, err, liberr.ErrNotFound)
}

func TestAuditSequenceSpansCommits(t *testing.T) {
	st := New()

	for i := 0; i < 3; i++ {
		err := st.Update(context.Background(), func(tx store.Tx) error {
			return tx.AppendAudit(&models.AuditEntry{Action: "book.add", Entity: "book", EntityID: uuid.NewString()})
		})
		require.NoError(t, err)
	}

	err := st.View(context.Background(), func(tx store.Tx) error {
		entries, err := tx.ListAudit(10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		// Newest first.
		assert.Equal(t, int64(3), entries[0].ID)
		assert.Equal(t, int64(1), entries[2].ID)
		return nil
	})
	require.NoError(t, err)
}
