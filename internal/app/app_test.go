package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/arledger/internal/observability"
	"github.com/odyssey-erp/arledger/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("NOTIFY_MODE", "REDIS")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, NotifyModeRedis, cfg.NotifyMode)
	require.Equal(t, "ar.events", cfg.NotifyChannel)
	threshold, err := cfg.RoundOff()
	require.NoError(t, err)
	require.Equal(t, "1", threshold.String())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("NOTIFY_MODE", "kafka")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "NOTIFY_MODE")

	t.Setenv("NOTIFY_MODE", "log")
	t.Setenv("AR_ROUND_OFF_THRESHOLD", "-1")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "AR_ROUND_OFF_THRESHOLD")

	t.Setenv("AR_ROUND_OFF_THRESHOLD", "abc")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "AR_ROUND_OFF_THRESHOLD")

	t.Setenv("AR_ROUND_OFF_THRESHOLD", "1.00")
	for _, retention := range []string{"0s", "-1h"} {
		t.Setenv("IDEMPOTENCY_RETENTION", retention)
		_, err = LoadConfig()
		require.ErrorContains(t, err, "IDEMPOTENCY_RETENTION", retention)
	}
}

func TestActorMiddleware(t *testing.T) {
	var seen int64
	handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, int64(42), seen)

	seen = 0
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "-3")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	cfg := &Config{AppEnv: "production", RateLimitPerMinute: 100}
	router := NewRouter(RouterParams{Logger: newLogger(&bytes.Buffer{}, cfg), Config: cfg, Metrics: observability.NewMetrics()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `arledger_http_requests_total{code="200",route="/healthz"} 1`))
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}
