package circulation

import (
	"context"
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

// service implements the Service interface.
type service struct {
	store      store.Store
	dispatcher notify.Dispatcher
	policy     Policy
	log        *logrus.Logger
	tracer     trace.Tracer
	borrows    metric.Int64Counter
	returns    metric.Int64Counter
	now        func() time.Time
}

// Option configures optional service behavior.
type Option func(*service)

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new circulation engine.
func NewService(st store.Store, dispatcher notify.Dispatcher, policy Policy, log *logrus.Logger, opts ...Option) Service {
	meter := otel.Meter("sfc-library-sys/circulation")
	borrows, _ := meter.Int64Counter("circulation.borrows")
	returns, _ := meter.Int64Counter("circulation.returns")

	s := &service{
		store:      st,
		dispatcher: dispatcher,
		policy:     policy,
		log:        log,
		tracer:     otel.Tracer("sfc-library-sys/circulation"),
		borrows:    borrows,
		returns:    returns,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Borrow(ctx context.Context, userID, copyID uuid.UUID, notes string) (*models.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("copy.id", copyID.String()),
		),
	)
	defer span.End()

	var loan *models.Loan
	err := s.store.Update(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		if !user.Active {
			return liberr.Policy("user %s is inactive and blocked from new borrows", userID)
		}
		if !models.CanPerform(user.Role, models.ActionBorrow) {
			return liberr.Policy("role %s may not borrow", user.Role)
		}

		copyRec, err := tx.GetCopy(copyID)
		if err != nil {
			return err
		}
		if copyRec.Status != models.CopyAvailable {
			return liberr.Conflict("copy %s is %s", copyRec.InventoryCode, copyRec.Status)
		}

		book, err := tx.GetBook(copyRec.BookID)
		if err != nil {
			return liberr.Integrity("copy %s references unknown book %s", copyID, copyRec.BookID)
		}
		if !book.Active {
			return liberr.Policy("book %q is retired", book.Title)
		}

		// A copy that claims AVAILABLE must have no open loan.
		if open, err := tx.OpenLoanByCopy(copyID); err != nil {
			return err
		} else if open != nil {
			return liberr.Integrity("copy %s is AVAILABLE but loan %s is open on it", copyID, open.ID)
		}

		openCount, err := tx.CountOpenLoansByUser(userID)
		if err != nil {
			return err
		}
		if openCount >= s.policy.MaxLoansPerUser {
			return liberr.Policy("user has %d open loans, cap is %d", openCount, s.policy.MaxLoansPerUser)
		}
		overdueCount, err := tx.CountOverdueLoansByUser(userID)
		if err != nil {
			return err
		}
		if overdueCount >= s.policy.BlockAtOverdueCount {
			return liberr.Policy("user has %d overdue loans, block threshold is %d", overdueCount, s.policy.BlockAtOverdueCount)
		}

		now := s.now().UTC()
		copyRec.Status = models.CopyOnLoan
		// The version check at commit turns a lost race into a ConflictError.
		if err := tx.PutCopy(copyRec); err != nil {
			return err
		}

		loan = &models.Loan{
			ID:         uuid.New(),
			UserID:     userID,
			CopyID:     copyID,
			BorrowedAt: now,
			DueAt:      now.AddDate(0, 0, s.policy.DefaultLoanDays),
			Status:     models.LoanBorrowed,
			Notes:      notes,
		}
		if err := tx.PutLoan(loan); err != nil {
			return err
		}

		return audit.Record(tx, &userID, "loan.borrow", "loan", loan.ID.String(), LoanBorrowedEvent{
			LoanID: loan.ID, UserID: userID, CopyID: copyID,
			BorrowedAt: loan.BorrowedAt, DueAt: loan.DueAt,
		})
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("borrow.failed", true))
		return nil, err
	}

	s.borrows.Add(ctx, 1)
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type: notify.EventBorrow, UserID: userID, LoanID: loan.ID, ScheduledFor: loan.DueAt,
	})
	return loan, nil
}

func (s *service) Return(ctx context.Context, actorID, loanID uuid.UUID) (*models.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	var loan *models.Loan
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if actorID != uuid.Nil {
			actor, err := tx.GetUser(actorID)
			if err != nil {
				return err
			}
			if !models.CanPerform(actor.Role, models.ActionReturn) {
				return liberr.Policy("role %s may not process returns", actor.Role)
			}
		}

		var err error
		loan, err = tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if !loan.Open() {
			return liberr.Conflict("loan %s is already returned", loanID)
		}

		copyRec, err := tx.GetCopy(loan.CopyID)
		if err != nil {
			return liberr.Integrity("loan %s references unknown copy %s", loanID, loan.CopyID)
		}

		now := s.now().UTC()
		loan.ReturnedAt = &now
		loan.Status = models.LoanReturned
		loan.LateFeeCents = ComputeLateFee(loan.DueAt, now, s.policy.DailyLateFeeCents, s.policy.LateFeeEnabled)
		if err := tx.PutLoan(loan); err != nil {
			return err
		}

		// A lost copy stays lost; returning the loan does not restore it.
		if copyRec.Status != models.CopyLost {
			copyRec.Status = models.CopyAvailable
			if err := tx.PutCopy(copyRec); err != nil {
				return err
			}
		}

		return audit.Record(tx, actorRef(actorID), "loan.return", "loan", loanID.String(), LoanReturnedEvent{
			LoanID: loanID, UserID: loan.UserID, CopyID: loan.CopyID,
			ReturnedAt: now, LateFeeCents: loan.LateFeeCents,
		})
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("return.failed", true))
		return nil, err
	}

	s.returns.Add(ctx, 1)
	return loan, nil
}

func (s *service) MarkLost(ctx context.Context, actorID, copyID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.mark_lost",
		trace.WithAttributes(attribute.String("copy.id", copyID.String())),
	)
	defer span.End()

	return s.store.Update(ctx, func(tx store.Tx) error {
		if actorID != uuid.Nil {
			actor, err := tx.GetUser(actorID)
			if err != nil {
				return err
			}
			if !models.CanPerform(actor.Role, models.ActionMarkLost) {
				return liberr.Policy("role %s may not mark copies lost", actor.Role)
			}
		}

		copyRec, err := tx.GetCopy(copyID)
		if err != nil {
			return err
		}
		if copyRec.Status == models.CopyLost {
			return nil
		}
		copyRec.Status = models.CopyLost
		if err := tx.PutCopy(copyRec); err != nil {
			return err
		}
		// Any open loan on the copy is left untouched.
		return audit.Record(tx, actorRef(actorID), "copy.mark_lost", "copy", copyID.String(), CopyMarkedLostEvent{
			CopyID: copyID, BookID: copyRec.BookID,
		})
	})
}

func (s *service) LoansForUser(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(userID); err != nil {
			return err
		}
		var err error
		loans, err = tx.LoansByUser(userID)
		return err
	})
	return loans, err
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := s.now().UTC()
	err := s.store.View(ctx, func(tx store.Tx) error {
		books, err := tx.ListBooks()
		if err != nil {
			return err
		}
		for _, b := range books {
			copies, err := tx.CopiesByBook(b.ID)
			if err != nil {
				return err
			}
			stats.TotalCopies += len(copies)
			for _, c := range copies {
				if c.Status == models.CopyAvailable {
					stats.AvailableCopies++
				}
			}
		}

		for _, status := range []models.LoanStatus{models.LoanBorrowed, models.LoanOverdue} {
			loans, err := tx.LoansByStatus(status)
			if err != nil {
				return err
			}
			stats.OpenLoans += len(loans)
			for _, l := range loans {
				if status == models.LoanOverdue {
					stats.OverdueLoans++
					continue
				}
				until := l.DueAt.Sub(now)
				if until >= 0 && until <= s.policy.DueSoonWindow {
					stats.DueSoonLoans++
				}
			}
		}

		users, err := tx.ListUsers()
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.Role == models.RoleStudent && u.Active {
				stats.ActiveStudents++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func actorRef(actorID uuid.UUID) *uuid.UUID {
	if actorID == uuid.Nil {
		return nil
	}
	return &actorID
}
