// Package sweeper runs the periodic pass that transitions due loans to
// OVERDUE and raises due-soon and overdue notification events.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ry4nng/sfc-library-sys/internal/audit"
	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/notify"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

// Result summarizes one sweep pass.
type Result struct {
	MarkedOverdue int `json:"marked_overdue"`
	DueSoonSent   int `json:"due_soon_sent"`
	Skipped       int `json:"skipped"`
}

// LoanOverdueEvent is the audit payload for a sweep transition.
type LoanOverdueEvent struct {
	LoanID uuid.UUID `json:"loan_id"`
	UserID uuid.UUID `json:"user_id"`
	DueAt  time.Time `json:"due_at"`
}

// Sweeper is safe to run concurrently with borrows and returns: every loan
// transition is committed conditionally on the loan still being BORROWED, so
// a racing return always wins.
type Sweeper struct {
	store      store.Store
	dispatcher notify.Dispatcher
	window     time.Duration
	log        *logrus.Logger
	tracer     trace.Tracer
	overdue    metric.Int64Counter
	now        func() time.Time
}

// Option configures optional sweeper behavior.
type Option func(*Sweeper)

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. window is how far ahead of the due time a DUE_SOON
// notice is raised.
func New(st store.Store, dispatcher notify.Dispatcher, window time.Duration, log *logrus.Logger, opts ...Option) *Sweeper {
	meter := otel.Meter("sfc-library-sys/sweeper")
	overdue, _ := meter.Int64Counter("sweeper.loans_marked_overdue")

	s := &Sweeper{
		store:      st,
		dispatcher: dispatcher,
		window:     window,
		log:        log,
		tracer:     otel.Tracer("sfc-library-sys/sweeper"),
		overdue:    overdue,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep performs one pass. Running it twice on unchanged data produces the
// same final loan states and emits no duplicate events: loans already
// OVERDUE are not candidates, and the per-loan LastNotice marker suppresses
// repeated DUE_SOON notices.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.sweep")
	defer span.End()

	var candidates []uuid.UUID
	err := s.store.View(ctx, func(tx store.Tx) error {
		loans, err := tx.LoansByStatus(models.LoanBorrowed)
		if err != nil {
			return err
		}
		for _, l := range loans {
			candidates = append(candidates, l.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var events []notify.Event
	for _, id := range candidates {
		ev, err := s.sweepLoan(ctx, id)
		if err != nil {
			if errors.Is(err, liberr.ErrConflict) {
				// Lost the race to a concurrent return. The return wins.
				result.Skipped++
				continue
			}
			return result, err
		}
		if ev == nil {
			continue
		}
		events = append(events, *ev)
		switch ev.Type {
		case notify.EventOverdue:
			result.MarkedOverdue++
		case notify.EventDueSoon:
			result.DueSoonSent++
		}
	}

	for _, ev := range events {
		s.dispatcher.Dispatch(ctx, ev)
	}

	span.SetAttributes(
		attribute.Int("sweep.marked_overdue", result.MarkedOverdue),
		attribute.Int("sweep.due_soon_sent", result.DueSoonSent),
	)
	s.overdue.Add(ctx, int64(result.MarkedOverdue))
	return result, nil
}

// sweepLoan transitions one loan inside its own transaction. The commit is
// conditional on the loan still being BORROWED at the version observed.
func (s *Sweeper) sweepLoan(ctx context.Context, id uuid.UUID) (*notify.Event, error) {
	var event *notify.Event
	err := s.store.Update(ctx, func(tx store.Tx) error {
		event = nil
		loan, err := tx.GetLoan(id)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanBorrowed {
			// Returned (or already swept) since the candidate scan.
			return nil
		}

		now := s.now().UTC()
		switch {
		case loan.DueAt.Before(now):
			loan.Status = models.LoanOverdue
			loan.LastNotice = models.NoticeOverdue
			if err := tx.PutLoan(loan); err != nil {
				return err
			}
			if err := audit.Record(tx, nil, "loan.overdue", "loan", loan.ID.String(), LoanOverdueEvent{
				LoanID: loan.ID, UserID: loan.UserID, DueAt: loan.DueAt,
			}); err != nil {
				return err
			}
			event = &notify.Event{Type: notify.EventOverdue, UserID: loan.UserID, LoanID: loan.ID}

		case loan.DueAt.Sub(now) <= s.window && loan.LastNotice != models.NoticeDueSoon:
			loan.LastNotice = models.NoticeDueSoon
			if err := tx.PutLoan(loan); err != nil {
				return err
			}
			event = &notify.Event{
				Type: notify.EventDueSoon, UserID: loan.UserID, LoanID: loan.ID, ScheduledFor: loan.DueAt,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval).Info("overdue sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("overdue sweeper stopped")
			return
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Error("sweep failed")
				continue
			}
			s.log.WithFields(logrus.Fields{
				"marked_overdue": result.MarkedOverdue,
				"due_soon_sent":  result.DueSoonSent,
				"skipped":        result.Skipped,
			}).Info("sweep complete")
		}
	}
}
