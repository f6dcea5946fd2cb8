package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balancehold/balancehold/internal/balance"
	"github.com/balancehold/balancehold/internal/config"
	"github.com/balancehold/balancehold/internal/logging"
	"github.com/balancehold/balancehold/internal/metrics"
)

func newDeps(t *testing.T, env string) Deps {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	m := metrics.New()
	logger := logging.Discard()
	svc := balance.NewService(balance.NewMemoryStore(), balance.NewEngine(logger, nil), nil, m, logger)
	return Deps{
		Cfg:     config.Config{AppName: "test", AppEnv: env, RateLimitPerMinute: 1000},
		Cache:   cache,
		Logger:  logger,
		Service: svc,
		Metrics: m,
	}
}

func request(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(raw)
}

func TestSetupServesBalanceRoutes(t *testing.T) {
	app := fiber.New()
	require.NoError(t, Setup(app, newDeps(t, "test")))

	resp, body := request(t, app, http.MethodPost, "/api/v1/balance/u1/limits", `{"delta":50}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var b balance.BalanceSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &b))
	assert.Equal(t, int64(50), b.Maximum)
}

func TestSetupHealthAndPing(t *testing.T) {
	app := fiber.New()
	require.NoError(t, Setup(app, newDeps(t, "test")))

	resp, body := request(t, app, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"redis":"ok"`)
	assert.Contains(t, body, `"postgres":"disabled"`)

	resp, body = request(t, app, http.MethodGet, "/api/v1/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)
}

func TestSetupExposesMetrics(t *testing.T) {
	app := fiber.New()
	require.NoError(t, Setup(app, newDeps(t, "test")))

	request(t, app, http.MethodGet, "/api/v1/balance/u1", "")
	resp, body := request(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `balance_operations_total{operation="get_balance",outcome="ok"} 1`)
}

func TestSetupRequiresDatabaseOutsideDevelopment(t *testing.T) {
	err := Setup(fiber.New(), newDeps(t, "production"))
	assert.ErrorContains(t, err, "database is required")
}
