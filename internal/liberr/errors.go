// Package liberr defines the error taxonomy shared by every component of the
// circulation core. Callers branch on the sentinel with errors.Is; the helpers
// wrap a formatted message around the matching sentinel.
package liberr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown identifier.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a lost race on a record, a duplicate in-flight sync,
	// or a loan that is already closed. The whole operation may be retried.
	ErrConflict = errors.New("conflict")

	// ErrPolicy marks a loan cap or overdue block. Terminal for the attempt.
	ErrPolicy = errors.New("policy violation")

	// ErrSync marks an unreachable external source after the retry budget is spent.
	ErrSync = errors.New("sync failure")

	// ErrIntegrity marks a violated data invariant. Fatal, never expected.
	ErrIntegrity = errors.New("integrity violation")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Policy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicy, fmt.Sprintf(format, args...))
}

func Sync(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSync, fmt.Sprintf(format, args...))
}

func Integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error from the taxonomy to the status code the HTTP
// handlers respond with. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSync):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
