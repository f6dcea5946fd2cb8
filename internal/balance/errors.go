package balance

import (
	"errors"
	"fmt"
)

// Kind classifies the caller-visible failures of the engine.
type Kind string

const (
	// KindInvalidArgument rejects malformed input before any state is read.
	KindInvalidArgument Kind = "invalid_argument"
	// KindLimitViolation means an adjustment would break a balance invariant.
	KindLimitViolation Kind = "limit_violation"
	// KindInsufficientFunds means a reservation exceeds the available headroom.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindAlreadyFinalized means the idempotency key belongs to a closed reservation.
	KindAlreadyFinalized Kind = "already_finalized"
	// KindNotFound means no reservation matches the idempotency key.
	KindNotFound Kind = "not_found"
	// KindExpired means confirmation came after the deadline; the reservation
	// has been canceled as part of the same unit of work.
	KindExpired Kind = "expired"
)

// Sentinels for errors.Is, one per Kind. Any *Error of the same kind matches.
var (
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrLimitViolation    = &Error{Kind: KindLimitViolation}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrAlreadyFinalized  = &Error{Kind: KindAlreadyFinalized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrExpired           = &Error{Kind: KindExpired}
)

// Error carries a Kind plus a human readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or "" for datastore and other
// unexpected failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// keepsSideEffects reports whether the unit of work must still be committed
// although the operation failed.
func keepsSideEffects(err error) bool {
	return errors.Is(err, ErrExpired)
}
