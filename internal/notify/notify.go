// Package notify is the boundary to the external notification dispatcher.
// Emission is fire-and-forget, at-least-once; the dispatcher deduplicates by
// (user, loan, type). Nothing in the core blocks on its availability.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType of a notification event.
type EventType string

const (
	EventBorrow  EventType = "BORROW"
	EventDueSoon EventType = "DUE_SOON"
	EventOverdue EventType = "OVERDUE"
)

// Event is one notification handed to the dispatcher. Templating and
// delivery are the dispatcher's responsibility.
type Event struct {
	Type         EventType `json:"type"`
	UserID       uuid.UUID `json:"user_id"`
	LoanID       uuid.UUID `json:"loan_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// Dispatcher accepts notification events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Nop discards events. Used when no dispatcher is configured.
type Nop struct{}

func (Nop) Dispatch(context.Context, Event) error { return nil }

// Async decouples emission from delivery: Dispatch hands the event to a
// goroutine with a detached context and never returns an error to the caller.
type Async struct {
	next    Dispatcher
	log     *logrus.Logger
	timeout time.Duration
}

func NewAsync(next Dispatcher, log *logrus.Logger) *Async {
	return &Async{next: next, log: log, timeout: 5 * time.Second}
}

func (a *Async) Dispatch(_ context.Context, ev Event) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Dispatch(ctx, ev); err != nil {
			a.log.WithFields(logrus.Fields{
				"type":    ev.Type,
				"user_id": ev.UserID,
				"loan_id": ev.LoanID,
			}).WithError(err).Warn("notification dispatch failed")
		}
	}()
	return nil
}
