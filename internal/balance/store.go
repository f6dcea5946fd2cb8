package balance

import (
	"context"
	"time"
)

// Store opens units of work against the balance datastore.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of work. Nothing it writes is visible to others until
// Commit; Rollback after Commit is a no-op.
type Tx interface {
	// Balance reads a balance without locking it. The bool is false when the
	// user has no row yet.
	Balance(ctx context.Context, userID string) (Balance, bool, error)
	// CreateBalance inserts a zeroed balance, or returns the existing one.
	CreateBalance(ctx context.Context, userID string) (Balance, error)
	// LockBalance acquires the user's row lock for the rest of the unit of
	// work, creating a zeroed row first if needed. A second caller for the
	// same user blocks until the first unit of work ends.
	LockBalance(ctx context.Context, userID string) (Balance, error)
	// SaveBalance persists the amounts of b and returns the stored row.
	SaveBalance(ctx context.Context, b Balance) (Balance, error)

	Reservation(ctx context.Context, key Key) (Reservation, bool, error)
	CreateReservation(ctx context.Context, r Reservation) error
	CloseReservation(ctx context.Context, id string, status Status, closedAt time.Time) error
	SumOpenReservations(ctx context.Context, userID string) (int64, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error)

	// Savepoint opens a nested unit of work whose rollback discards only its
	// own writes.
	Savepoint(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// InTx runs fn inside a fresh unit of work. It commits when fn succeeds or
// fails with an error whose side effects must persist (ErrExpired), and
// rolls back otherwise.
func InTx(ctx context.Context, store Store, fn func(tx Tx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		if !keepsSideEffects(err) {
			return err
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return cerr
		}
		return err
	}
	return tx.Commit(ctx)
}
