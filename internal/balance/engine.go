package balance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Engine applies every balance and reservation transition. It never commits:
// each method works inside the Tx handed to it by the caller.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds an engine. A nil clock means time.Now.
func NewEngine(logger *slog.Logger, clock func() time.Time) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{logger: logger, now: clock}
}

// timestamps are stored with microsecond precision in Postgres; truncating
// here keeps replays byte-identical across stores.
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// GetOrCreateBalance returns the user's balance, creating a zeroed one on
// first access.
func (e *Engine) GetOrCreateBalance(ctx context.Context, tx Tx, userID string) (Balance, error) {
	b, found, err := tx.Balance(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("read balance %s: %w", userID, err)
	}
	if found {
		return b, nil
	}
	b, err = tx.CreateBalance(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("create balance %s: %w", userID, err)
	}
	return b, nil
}

// AdjustMaximum moves the user's ceiling by delta.
func (e *Engine) AdjustMaximum(ctx context.Context, tx Tx, userID string, delta int64) (Balance, error) {
	b, err := e.lock(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	next, err := b.withMaximumDelta(delta)
	if err != nil {
		return Balance{}, err
	}
	return e.save(ctx, tx, next)
}

// AdjustCurrent moves the user's spendable amount by delta.
func (e *Engine) AdjustCurrent(ctx context.Context, tx Tx, userID string, delta int64) (Balance, error) {
	b, err := e.lock(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	next, err := b.withCurrentDelta(delta)
	if err != nil {
		return Balance{}, err
	}
	return e.save(ctx, tx, next)
}

// OpenRequest describes a hold to place against a balance.
type OpenRequest struct {
	Key     Key
	Amount  int64
	Timeout time.Duration
}

// OpenReservation places a hold. Replaying the key of an open reservation
// returns it unchanged; replaying the key of a closed one fails with
// ErrAlreadyFinalized.
func (e *Engine) OpenReservation(ctx context.Context, tx Tx, req OpenRequest) (Reservation, error) {
	if req.Amount <= 0 {
		return Reservation{}, newError(KindInvalidArgument, "amount must be positive (got %d)", req.Amount)
	}
	if req.Timeout <= 0 || req.Timeout > MaxReservationTimeout {
		return Reservation{}, newError(KindInvalidArgument, "timeout must be within (0, %s] (got %s)", MaxReservationTimeout, req.Timeout)
	}

	b, err := e.lock(ctx, tx, req.Key.UserID)
	if err != nil {
		return Reservation{}, err
	}

	existing, found, err := tx.Reservation(ctx, req.Key)
	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation: %w", err)
	}
	if found {
		if existing.Status == StatusOpen {
			return existing, nil
		}
		return Reservation{}, newError(KindAlreadyFinalized, "reservation %s is %s", existing.ID, existing.Status)
	}

	held, err := b.withHold(req.Amount)
	if err != nil {
		return Reservation{}, err
	}

	now := e.timestamp()
	r := Reservation{
		ID:           uuid.New().String(),
		UserID:       req.Key.UserID,
		ServiceID:    req.Key.ServiceID,
		ExternalTxID: req.Key.ExternalTxID,
		Amount:       req.Amount,
		Status:       StatusOpen,
		CreatedAt:    now,
		ExpiresAt:    now.Add(req.Timeout),
	}
	if err := tx.CreateReservation(ctx, r); err != nil {
		return Reservation{}, fmt.Errorf("create reservation: %w", err)
	}
	if _, err := e.save(ctx, tx, held); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// ConfirmReservation converts an open hold into spend. A reservation past its
// deadline is canceled instead and ErrExpired is returned; that cancellation
// belongs to the unit of work and must be committed.
func (e *Engine) ConfirmReservation(ctx context.Context, tx Tx, key Key) (Reservation, error) {
	b, r, err := e.lockReservation(ctx, tx, key)
	if err != nil {
		return Reservation{}, err
	}
	if r.Status.Terminal() {
		return r, nil
	}

	now := e.timestamp()
	if r.ExpiredAt(now) {
		canceled, err := e.cancel(ctx, tx, b, r, now)
		if err != nil {
			return Reservation{}, err
		}
		return canceled, newError(KindExpired, "reservation %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339Nano))
	}

	spent, err := b.withSpend(r.Amount)
	if err != nil {
		return Reservation{}, err
	}
	if err := tx.CloseReservation(ctx, r.ID, StatusConfirmed, now); err != nil {
		return Reservation{}, fmt.Errorf("confirm reservation %s: %w", r.ID, err)
	}
	if _, err := e.save(ctx, tx, spent); err != nil {
		return Reservation{}, err
	}
	return r.closed(StatusConfirmed, now), nil
}

// CancelReservation releases an open hold without spending it.
func (e *Engine) CancelReservation(ctx context.Context, tx Tx, key Key) (Reservation, error) {
	b, r, err := e.lockReservation(ctx, tx, key)
	if err != nil {
		return Reservation{}, err
	}
	if r.Status.Terminal() {
		return r, nil
	}
	return e.cancel(ctx, tx, b, r, e.timestamp())
}

// GetReservation reads a reservation by its idempotency key.
func (e *Engine) GetReservation(ctx context.Context, tx Tx, key Key) (Reservation, error) {
	r, found, err := tx.Reservation(ctx, key)
	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation: %w", err)
	}
	if !found {
		return Reservation{}, newError(KindNotFound, "no reservation for service %q tx %q", key.ServiceID, key.ExternalTxID)
	}
	return r, nil
}

// RepairBalance recomputes the locked total from open reservations and clamps
// current back under the ceiling.
func (e *Engine) RepairBalance(ctx context.Context, tx Tx, userID string) (Balance, error) {
	b, err := e.lock(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	locked, err := tx.SumOpenReservations(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("sum open reservations %s: %w", userID, err)
	}
	repaired := b.repaired(locked)
	if repaired == b {
		return b, nil
	}
	e.logger.Warn("balance repaired",
		slog.String("user_id", userID),
		slog.Int64("locked_before", b.LockedTotal),
		slog.Int64("locked_after", repaired.LockedTotal),
		slog.Int64("current_before", b.Current),
		slog.Int64("current_after", repaired.Current),
	)
	return e.save(ctx, tx, repaired)
}

// SweepExpired cancels up to batchSize open reservations whose deadline has
// passed and returns how many it canceled.
func (e *Engine) SweepExpired(ctx context.Context, tx Tx, batchSize int) (int, error) {
	canceled, err := e.sweep(ctx, tx, batchSize)
	return len(canceled), err
}

func (e *Engine) sweep(ctx context.Context, tx Tx, batchSize int) ([]Reservation, error) {
	if batchSize <= 0 {
		return nil, newError(KindInvalidArgument, "batch size must be positive (got %d)", batchSize)
	}
	now := e.timestamp()
	candidates, err := tx.ListExpiredReservations(ctx, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	// Locks are taken in user order so two overlapping sweeps cannot deadlock.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UserID < candidates[j].UserID
	})

	var canceled []Reservation
	for _, candidate := range candidates {
		r, ok, err := e.sweepOne(ctx, tx, candidate.Key(), now)
		if err != nil {
			e.logger.Warn("sweep skipped reservation",
				slog.String("reservation_id", candidate.ID),
				slog.String("user_id", candidate.UserID),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			canceled = append(canceled, r)
		}
	}
	return canceled, nil
}

// sweepOne runs in its own savepoint so a failure leaves the rest of the
// batch usable.
func (e *Engine) sweepOne(ctx context.Context, tx Tx, key Key, now time.Time) (Reservation, bool, error) {
	sp, err := tx.Savepoint(ctx)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("savepoint: %w", err)
	}
	defer sp.Rollback(ctx) // nolint:errcheck

	b, err := e.lock(ctx, sp, key.UserID)
	if err != nil {
		return Reservation{}, false, err
	}
	// The candidate list was read without the lock; only the row read now counts.
	r, found, err := sp.Reservation(ctx, key)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("read reservation: %w", err)
	}
	if !found || r.Status != StatusOpen {
		return Reservation{}, false, nil
	}
	canceled, err := e.cancel(ctx, sp, b, r, now)
	if err != nil {
		return Reservation{}, false, err
	}
	if err := sp.Commit(ctx); err != nil {
		return Reservation{}, false, fmt.Errorf("release savepoint: %w", err)
	}
	return canceled, true, nil
}

func (e *Engine) cancel(ctx context.Context, tx Tx, b Balance, r Reservation, now time.Time) (Reservation, error) {
	released, err := b.withRelease(r.Amount)
	if err != nil {
		return Reservation{}, err
	}
	if err := tx.CloseReservation(ctx, r.ID, StatusCanceled, now); err != nil {
		return Reservation{}, fmt.Errorf("cancel reservation %s: %w", r.ID, err)
	}
	if _, err := e.save(ctx, tx, released); err != nil {
		return Reservation{}, err
	}
	return r.closed(StatusCanceled, now), nil
}

func (e *Engine) lock(ctx context.Context, tx Tx, userID string) (Balance, error) {
	b, err := tx.LockBalance(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	return b, nil
}

func (e *Engine) lockReservation(ctx context.Context, tx Tx, key Key) (Balance, Reservation, error) {
	b, err := e.lock(ctx, tx, key.UserID)
	if err != nil {
		return Balance{}, Reservation{}, err
	}
	r, err := e.GetReservation(ctx, tx, key)
	if err != nil {
		return Balance{}, Reservation{}, err
	}
	return b, r, nil
}

func (e *Engine) save(ctx context.Context, tx Tx, b Balance) (Balance, error) {
	saved, err := tx.SaveBalance(ctx, b)
	if err != nil {
		return Balance{}, fmt.Errorf("save balance %s: %w", b.UserID, err)
	}
	return saved, nil
}
