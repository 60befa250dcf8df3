package sweeper

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/notify"
	"github.com/ry4nng/sfc-library-sys/internal/store"
	"github.com/ry4nng/sfc-library-sys/internal/store/memstore"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) all() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Event(nil), d.events...)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func seedLoan(t *testing.T, st store.Store, dueAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := st.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutLoan(&models.Loan{
			ID: id, UserID: uuid.New(), CopyID: uuid.New(),
			BorrowedAt: dueAt.AddDate(0, 0, -14), DueAt: dueAt, Status: models.LoanBorrowed,
		})
	})
	require.NoError(t, err)
	return id
}

func loanState(t *testing.T, st store.Store, id uuid.UUID) *models.Loan {
	t.Helper()
	var loan *models.Loan
	err := st.View(context.Background(), func(tx store.Tx) error {
		var err error
		loan, err = tx.GetLoan(id)
		return err
	})
	require.NoError(t, err)
	return loan
}

func TestSweepMarksOverdue(t *testing.T) {
	st := memstore.New()
	dispatcher := &recordingDispatcher{}
	sw := New(st, dispatcher, 48*time.Hour, quietLogger(),
		WithClock(func() time.Time { return testTime }))

	pastDue := seedLoan(t, st, testTime.Add(-time.Hour))
	notDue := seedLoan(t, st, testTime.Add(100*time.Hour))

	result, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedOverdue)
	assert.Zero(t, result.DueSoonSent)

	marked := loanState(t, st, pastDue)
	assert.Equal(t, models.LoanOverdue, marked.Status)
	assert.Equal(t, models.NoticeOverdue, marked.LastNotice)

	untouched := loanState(t, st, notDue)
	assert.Equal(t, models.LoanBorrowed, untouched.Status)
	assert.Equal(t, models.NoticeNone, untouched.LastNotice)

	events := dispatcher.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventOverdue, events[0].Type)

	err = st.View(context.Background(), func(tx store.Tx) error {
		entries, err := tx.ListAudit(10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "loan.overdue", entries[0].Action)
		return nil
	})
	require.NoError(t, err)
}

func TestSweepRaisesDueSoonOnce(t *testing.T) {
	st := memstore.New()
	dispatcher := &recordingDispatcher{}
	sw := New(st, dispatcher, 48*time.Hour, quietLogger(),
		WithClock(func() time.Time { return testTime }))

	dueSoon := seedLoan(t, st, testTime.Add(24*time.Hour))

	result, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DueSoonSent)

	loan := loanState(t, st, dueSoon)
	assert.Equal(t, models.LoanBorrowed, loan.Status)
	assert.Equal(t, models.NoticeDueSoon, loan.LastNotice)

	// A second pass over unchanged data is a no-op.
	result, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.DueSoonSent)
	assert.Zero(t, result.MarkedOverdue)
	assert.Len(t, dispatcher.all(), 1)
}

func TestSweepTwiceEmitsNoDuplicates(t *testing.T) {
	st := memstore.New()
	dispatcher := &recordingDispatcher{}
	sw := New(st, dispatcher, 48*time.Hour, quietLogger(),
		WithClock(func() time.Time { return testTime }))

	seedLoan(t, st, testTime.Add(-time.Hour))
	seedLoan(t, st, testTime.Add(24*time.Hour))

	first, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.MarkedOverdue)
	assert.Equal(t, 1, first.DueSoonSent)

	second, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.MarkedOverdue)
	assert.Zero(t, second.DueSoonSent)
	assert.Len(t, dispatcher.all(), 2)
}

func TestSweepDueSoonCanStillGoOverdue(t *testing.T) {
	st := memstore.New()
	dispatcher := &recordingDispatcher{}

	clock := testTime
	sw := New(st, dispatcher, 48*time.Hour, quietLogger(),
		WithClock(func() time.Time { return clock }))

	id := seedLoan(t, st, testTime.Add(24*time.Hour))

	result, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DueSoonSent)

	clock = testTime.Add(48 * time.Hour)
	result, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedOverdue)

	loan := loanState(t, st, id)
	assert.Equal(t, models.LoanOverdue, loan.Status)
	assert.Equal(t, models.NoticeOverdue, loan.LastNotice)
}

// viewHookStore flips state between the candidate scan and the per-loan
// transactions, standing in for a return racing the sweep.
type viewHookStore struct {
	store.Store
	afterView func()
}

func (s *viewHookStore) View(ctx context.Context, fn func(store.Tx) error) error {
	err := s.Store.View(ctx, fn)
	if s.afterView != nil {
		s.afterView()
		s.afterView = nil
	}
	return err
}

func TestSweepReturnWins(t *testing.T) {
	mem := memstore.New()
	dispatcher := &recordingDispatcher{}

	id := seedLoan(t, mem, testTime.Add(-time.Hour))

	st := &viewHookStore{Store: mem}
	st.afterView = func() {
		err := mem.Update(context.Background(), func(tx store.Tx) error {
			loan, err := tx.GetLoan(id)
			if err != nil {
				return err
			}
			now := testTime
			loan.ReturnedAt = &now
			loan.Status = models.LoanReturned
			return tx.PutLoan(loan)
		})
		require.NoError(t, err)
	}

	sw := New(st, dispatcher, 48*time.Hour, quietLogger(),
		WithClock(func() time.Time { return testTime }))

	result, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.MarkedOverdue)
	assert.Empty(t, dispatcher.all())

	loan := loanState(t, mem, id)
	assert.Equal(t, models.LoanReturned, loan.Status)
}
