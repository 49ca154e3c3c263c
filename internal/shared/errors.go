package shared

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates rejected input such as an empty name or unknown permission id.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness violation, e.g. a duplicate role name.
	ErrConflict = errors.New("conflict")
	// ErrProtectedRole indicates an attempted mutation of a protected role.
	ErrProtectedRole = errors.New("protected role")
	// ErrUnauthenticated indicates a request without an authenticated session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates an authenticated session lacking access.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient marks storage failures that may succeed when retried.
	ErrTransient = errors.New("transient storage error")
	// ErrTimeout indicates the backing store did not answer within the deadline.
	ErrTimeout = errors.New("storage timeout")
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// Timeout wraps err so that it matches both ErrTimeout and ErrTransient.
func Timeout(op string, err error) error {
	return &transientError{op: op, kind: ErrTimeout, err: err}
}

// Unavailable wraps err so that it matches both ErrUnavailable and ErrTransient.
func Unavailable(op string, err error) error {
	return &transientError{op: op, kind: ErrUnavailable, err: err}
}

type transientError struct {
	op   string
	kind error
	err  error
}

func (e *transientError) Error() string {
	if e.err == nil {
		return e.op + ": " + e.kind.Error()
	}
	return e.op + ": " + e.kind.Error() + ": " + e.err.Error()
}

func (e *transientError) Unwrap() []error {
	return []error{e.kind, ErrTransient, e.err}
}

// IsRetryable reports whether err is a transient storage failure. Callers retry
// reads on retryable errors; mutations are surfaced instead.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ClassifyStorage converts context deadline and cancellation errors returned by
// the driver into the transient taxonomy. Other errors pass through unchanged.
func ClassifyStorage(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || isDomainError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	if isConnectionError(err) {
		return Unavailable(op, err)
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrProtectedRole)
}
