package balance

import (
	"math"
	"time"
)

// MaxReservationTimeout bounds how long a reservation may stay open.
const MaxReservationTimeout = time.Hour

// maxIDLength mirrors the VARCHAR(128) columns backing user, service and
// external transaction identifiers.
const maxIDLength = 128

// Status is the lifecycle state of a reservation.
type Status string

const (
	// StatusOpen marks a reservation that still holds funds.
	StatusOpen Status = "open"
	// StatusConfirmed marks a reservation converted into spend.
	StatusConfirmed Status = "confirmed"
	// StatusCanceled marks a reservation whose hold was released.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCanceled
}

// Valid reports whether s is a known status token.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusConfirmed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Balance is the per-user spend ceiling, spendable amount and reserved total.
type Balance struct {
	UserID      string
	Current     int64
	Maximum     int64
	LockedTotal int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available is the headroom left for new reservations.
func (b Balance) Available() int64 {
	return b.Current - b.LockedTotal
}

// Validate checks the storage invariants of a balance row.
func (b Balance) Validate() error {
	switch {
	case b.Current < 0:
		return newError(KindLimitViolation, "current %d is negative", b.Current)
	case b.Maximum < 0:
		return newError(KindLimitViolation, "maximum %d is negative", b.Maximum)
	case b.LockedTotal < 0:
		return newError(KindLimitViolation, "locked total %d is negative", b.LockedTotal)
	case b.Current > b.Maximum:
		return newError(KindLimitViolation, "current %d exceeds maximum %d", b.Current, b.Maximum)
	case b.LockedTotal > b.Maximum-b.Current:
		return newError(KindLimitViolation, "current %d plus locked %d exceeds maximum %d", b.Current, b.LockedTotal, b.Maximum)
	}
	return nil
}

// withMaximumDelta returns b with its ceiling moved by delta.
func (b Balance) withMaximumDelta(delta int64) (Balance, error) {
	if delta > 0 && b.Maximum > math.MaxInt64-delta {
		return Balance{}, newError(KindLimitViolation, "maximum overflows")
	}
	next := b.Maximum + delta
	if next < 0 {
		return Balance{}, newError(KindLimitViolation, "maximum cannot be negative (got %d)", next)
	}
	if next-b.LockedTotal < b.Current {
		return Balance{}, newError(KindLimitViolation, "maximum %d is below current %d plus locked %d", next, b.Current, b.LockedTotal)
	}
	b.Maximum = next
	return b, nil
}

// withCurrentDelta returns b with its spendable amount moved by delta.
func (b Balance) withCurrentDelta(delta int64) (Balance, error) {
	if delta > 0 && b.Current > math.MaxInt64-delta {
		return Balance{}, newError(KindLimitViolation, "current overflows")
	}
	next := b.Current + delta
	if next < 0 {
		return Balance{}, newError(KindLimitViolation, "current cannot be negative (got %d)", next)
	}
	if next > b.Maximum-b.LockedTotal {
		return Balance{}, newError(KindLimitViolation, "current %d plus locked %d exceeds maximum %d", next, b.LockedTotal, b.Maximum)
	}
	b.Current = next
	return b, nil
}

// withHold returns b with amount added to the locked total.
func (b Balance) withHold(amount int64) (Balance, error) {
	if b.Available() < amount || amount > b.Maximum-b.Current-b.LockedTotal {
		return Balance{}, newError(KindInsufficientFunds, "available %d, required %d", b.Available(), amount)
	}
	b.LockedTotal += amount
	return b, nil
}

// withRelease returns b with amount removed from the locked total.
func (b Balance) withRelease(amount int64) (Balance, error) {
	if b.LockedTotal < amount {
		return Balance{}, newError(KindLimitViolation, "locked total %d is below released amount %d", b.LockedTotal, amount)
	}
	b.LockedTotal -= amount
	return b, nil
}

// withSpend returns b with a held amount converted into spend.
func (b Balance) withSpend(amount int64) (Balance, error) {
	released, err := b.withRelease(amount)
	if err != nil {
		return Balance{}, err
	}
	if released.Current < amount {
		return Balance{}, newError(KindLimitViolation, "current %d is below spent amount %d", released.Current, amount)
	}
	released.Current -= amount
	return released, nil
}

// repaired returns b with the locked total replaced and current clamped back
// into range.
func (b Balance) repaired(locked int64) Balance {
	b.LockedTotal = locked
	ceiling := b.Maximum - b.LockedTotal
	if ceiling < 0 {
		ceiling = 0
	}
	if b.Current > ceiling {
		b.Current = ceiling
	}
	if b.Current < 0 {
		b.Current = 0
	}
	return b
}

// Key is the idempotency triple of a reservation.
type Key struct {
	UserID       string
	ServiceID    string
	ExternalTxID string
}

// Reservation is a provisional hold against a balance.
type Reservation struct {
	ID           string
	UserID       string
	ServiceID    string
	ExternalTxID string
	Amount       int64
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ClosedAt     *time.Time
}

// Key returns the idempotency triple of r.
func (r Reservation) Key() Key {
	return Key{UserID: r.UserID, ServiceID: r.ServiceID, ExternalTxID: r.ExternalTxID}
}

// ExpiredAt reports whether the reservation deadline lies strictly before now.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// closed returns r moved into a terminal status.
func (r Reservation) closed(status Status, at time.Time) Reservation {
	r.Status = status
	r.ClosedAt = &at
	return r
}
