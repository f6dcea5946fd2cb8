package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/balancehold/balancehold/internal/metrics"
)

// LockName is the distributed lock shared by every replica's sweeper.
const LockName = "balancehold:sweep"

// Lock guards a sweep pass so only one replica runs it at a time.
// *redsync.Mutex satisfies it.
type Lock interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

// Sweeper is the part of the balance service the loop drives.
type Sweeper interface {
	SweepExpired(ctx context.Context, batchSize int) (int, error)
}

// NewRedisLock builds a single-try redsync mutex over client. A replica that
// loses the race skips the pass instead of waiting.
func NewRedisLock(client *redis.Client, ttl time.Duration) *redsync.Mutex {
	rs := redsync.New(goredis.NewPool(client))
	return rs.NewMutex(LockName,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
}

// Runner periodically cancels expired reservations.
type Runner struct {
	target    Sweeper
	interval  time.Duration
	batchSize int
	lock      Lock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLock makes every pass hold lock.
func WithLock(lock Lock) Option {
	return func(r *Runner) { r.lock = lock }
}

// WithMetrics records pass outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New returns a runner sweeping up to batchSize reservations per batch every
// interval.
func New(target Sweeper, interval time.Duration, batchSize int, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		target:    target,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sweeper started",
		slog.Duration("interval", r.interval),
		slog.Int("batch_size", r.batchSize),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// A pass in progress finishes even when shutdown begins.
		r.RunOnce(context.WithoutCancel(ctx)) // nolint:errcheck
		select {
		case <-ctx.Done():
			r.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass: it keeps sweeping while batches come back full.
// It returns the number of reservations canceled.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	if r.lock != nil {
		if err := r.lock.LockContext(ctx); err != nil {
			r.metrics.ObserveSweep("skipped", 0, 0)
			r.logger.Debug("sweep skipped, lock held elsewhere", slog.Any("error", err))
			return 0, nil
		}
		defer func() {
			if ok, err := r.lock.UnlockContext(ctx); !ok || err != nil {
				r.logger.Warn("sweep lock release failed", slog.Any("error", err))
			}
		}()
	}

	total := 0
	for {
		n, err := r.target.SweepExpired(ctx, r.batchSize)
		total += n
		if err != nil {
			r.metrics.ObserveSweep("error", total, time.Since(start))
			r.logger.Error("sweep failed", slog.Int("canceled", total), slog.Any("error", err))
			return total, err
		}
		if n < r.batchSize {
			break
		}
	}

	r.metrics.ObserveSweep("ok", total, time.Since(start))
	if total > 0 {
		r.logger.Info("expired reservations canceled", slog.Int("count", total))
	}
	return total, nil
}
