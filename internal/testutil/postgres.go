package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balancehold/balancehold/internal/infra"
	"github.com/balancehold/balancehold/internal/logging"
)

// PostgresDSN returns the DSN for integration tests, or "" when none is set.
func PostgresDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// SetupPostgres connects to the integration database, applies the embedded
// migrations and empties the balance tables before and after the test. The
// test is skipped when TEST_DATABASE_URL is unset or the database is down.
func SetupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := PostgresDSN()
	if dsn == "" {
		t.Skip("skipping postgres integration test (set TEST_DATABASE_URL to run)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := infra.NewPostgresPool(ctx, dsn, infra.PoolOptions{MaxConns: 30}, logging.Discard())
	if err != nil {
		t.Skipf("test postgres not available: %v", err)
	}
	if _, err := infra.NewMigrator(pool, logging.Discard()).Up(ctx); err != nil {
		pool.Close()
		t.Fatalf("migrate test db: %v", err)
	}

	truncate := func() {
		if _, err := pool.Exec(context.Background(), `TRUNCATE balance_reservations, user_balances CASCADE`); err != nil {
			t.Logf("truncate balance tables: %v", err)
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}
