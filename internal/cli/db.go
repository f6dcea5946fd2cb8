package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balancehold/balancehold/internal/config"
	"github.com/balancehold/balancehold/internal/infra"
	"github.com/balancehold/balancehold/internal/logging"
)

func (o *RootOptions) logger() *slog.Logger {
	return logging.NewText(os.Stderr, o.LogLevel)
}

// openPool connects to the database named by the service configuration.
func (o *RootOptions) openPool(ctx context.Context) (*pgxpool.Pool, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := o.logger()
	pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{MaxConns: 2}, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, logger, nil
}
