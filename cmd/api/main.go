package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/balancehold/balancehold/internal/balance"
	"github.com/balancehold/balancehold/internal/config"
	"github.com/balancehold/balancehold/internal/infra"
	"github.com/balancehold/balancehold/internal/logging"
	"github.com/balancehold/balancehold/internal/metrics"
	"github.com/balancehold/balancehold/internal/notification"
	"github.com/balancehold/balancehold/internal/routes"
	"github.com/balancehold/balancehold/internal/rpc"
	"github.com/balancehold/balancehold/internal/server"
	"github.com/balancehold/balancehold/internal/sweeper"
)

// memoryDSN selects the in-process store. Only honored in development.
const memoryDSN = "memory://"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var store balance.Store
	if db != nil {
		store = balance.NewPostgresStore(db)
	} else {
		logger.Warn("using in-memory balance store, data is lost on restart")
		store = balance.NewMemoryStore()
	}

	m := metrics.New()
	svc := balance.NewService(store, balance.NewEngine(logger, nil), notification.NewLoggerNotifier(logger), m, logger)

	httpSrv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, Service: svc, Metrics: m})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	rpcSrv := rpc.NewServer(cfg.GRPCAddress(), svc, logger)
	sweep := newSweeper(cfg, svc, cache, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Listen)
	g.Go(rpcSrv.Listen)
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownPeriod)
		defer cancel()
		rpcSrv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if strings.HasPrefix(cfg.DatabaseURL, memoryDSN) {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("%s is only allowed in development", memoryDSN)
		}
		return nil, nil
	}

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{MaxConns: int32(cfg.DBMaxConns)}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	n, err := infra.NewMigrator(db, logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if n > 0 {
		logger.Info("database migrated", "applied", n)
	}
	return db, nil
}

func newSweeper(cfg config.Config, svc *balance.Service, cache *redis.Client, m *metrics.Metrics, logger *slog.Logger) *sweeper.Runner {
	opts := []sweeper.Option{sweeper.WithMetrics(m)}
	if cache != nil {
		opts = append(opts, sweeper.WithLock(sweeper.NewRedisLock(cache, cfg.SweepLockTTL)))
	}
	return sweeper.New(svc, cfg.SweepInterval, cfg.SweepBatchSize, logger.With("component", "sweeper"), opts...)
}
