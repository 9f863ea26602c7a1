package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portare_gateway/internal/database"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	assert.GreaterOrEqual(t, body.Uptime, 0.0)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(body.Timestamp, "Z"))
}

func TestAPIHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	APIHealthHandler("PORTARE-AREU API", "v1")(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var body APIHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, "PORTARE-AREU API", body.Service)
	assert.Equal(t, "v1", body.Version)
}

func TestReadinessHandler(t *testing.T) {
	healthy := PingCheck(func(context.Context) error { return nil })
	down := PingCheck(func(context.Context) error { return errors.New("refused") })
	degraded := func(context.Context) (HealthStatus, string, error) { return StatusDegraded, "connecting", nil }

	t.Run("ready with degraded check", func(t *testing.T) {
		h := ReadinessHandler(&ReadinessConfig{
			Logger: slog.New(slog.DiscardHandler),
			Checks: map[string]HealthCheck{"database": healthy, "cache": degraded},
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Ready  bool                   `json:"ready"`
			Checks map[string]CheckResult `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Ready)
		assert.Equal(t, StatusDegraded, body.Checks["cache"].Status)
	})

	t.Run("not ready", func(t *testing.T) {
		h := ReadinessHandler(&ReadinessConfig{
			Logger: slog.New(slog.DiscardHandler),
			Checks: map[string]HealthCheck{"database": down, "cache": healthy},
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "refused")
	})
}

func TestRunChecks_Concurrent(t *testing.T) {
	block := make(chan struct{})
	slow := func(ctx context.Context) (HealthStatus, string, error) {
		<-block
		return StatusHealthy, "", nil
	}
	release := func(context.Context) (HealthStatus, string, error) {
		close(block)
		return StatusHealthy, "", nil
	}

	results := RunChecks(context.Background(), map[string]HealthCheck{"slow": slow, "release": release})
	assert.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["slow"].Status)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	incoming := "0b6f8f0e-5d7a-4d8e-9a43-7c0f3f1d9b11"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, incoming, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "<script>", seen)
}

type statsPool struct{}

func (statsPool) Acquire(context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("no connections in tests")
}
func (statsPool) Probe(context.Context) error { return nil }
func (statsPool) Ping(context.Context) error  { return nil }
func (statsPool) Close()                      {}
func (statsPool) Stats() database.Stats {
	return database.Stats{AcquiredConns: 3, IdleConns: 2, MaxConns: 10}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(&MetricsConfig{Logger: slog.New(slog.DiscardHandler), SkipPaths: []string{"/health"}})

	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/api/v1/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/patients/1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/patients/2", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/api/v1/patients/{id}", "418")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestsTotal))

	m.RateLimited("auth")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("auth")))

	m.SetLifecycleState(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lifecycleState))
	m.SetCacheState(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheState))

	m.RegisterPool(statsPool{})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "portare_database_pool_acquired_connections 3")
	assert.Contains(t, rec.Body.String(), "portare_rate_limit_rejections_total")
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "gateway.log")

	logger, closeLog := NewLogger(LogConfig{Level: "warn", JSON: true, File: file, Output: &out})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NoError(t, closeLog())

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"msg":"shown"`)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestTracing(t *testing.T) {
	var spans bytes.Buffer
	shutdown, err := InitTracer("portare-gateway", "v1", &spans, nil)
	require.NoError(t, err)

	h := Tracing("portare-gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, spans.String(), "portare-gateway")
}
