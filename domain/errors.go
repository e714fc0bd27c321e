package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLedgerRejected    = errors.New("ledger rejected")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrDecodeFailure     = errors.New("ledger value decode failure")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because the record changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPayoutInFlight is returned when a previous deposit for the same task
	// may still land on the ledger.
	ErrPayoutInFlight = errors.New("payout already in flight")
)

// TransitionError reports a status guard failure.
type TransitionError struct {
	TaskID   string
	Op       string
	Expected Status
	Actual   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s task %s: expected status %s, got %s", e.Op, e.TaskID, e.Expected, e.Actual)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// LedgerError wraps a failed ledger interaction. Reason carries the ledger's
// own explanation verbatim when one was returned.
type LedgerError struct {
	Op        string
	Reason    string
	Hash      string
	Retryable bool
	Err       error
}

func (e *LedgerError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "unavailable"
	}
	msg := fmt.Sprintf("ledger %s %s", e.Op, kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Hash != "" {
		msg += " (tx " + e.Hash + ")"
	}
	if e.Err != nil && e.Reason == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool {
	if e.Retryable {
		return target == ErrLedgerUnavailable
	}
	return target == ErrLedgerRejected
}

// Rejected builds a non-retryable ledger error.
func Rejected(op, reason string) *LedgerError {
	return &LedgerError{Op: op, Reason: reason}
}

// Unavailable builds a retryable ledger error.
func Unavailable(op string, err error) *LedgerError {
	return &LedgerError{Op: op, Err: err, Retryable: true}
}

// IsRetryable reports whether err is a ledger failure that may succeed when
// retried by the caller.
func IsRetryable(err error) bool {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrPayoutInFlight)
}
