package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portare_gateway/internal/database"
)

// MetricsConfig holds configuration for Prometheus metrics
type MetricsConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Namespace for metrics
	Namespace string

	// Registry to register collectors on. Default: a new registry with the
	// Go and process collectors.
	Registry *prometheus.Registry

	// Buckets for response time histogram
	Buckets []float64

	// SkipPaths defines paths that should not be metered
	SkipPaths []string
}

// Metrics holds Prometheus metric collectors
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	ns       string
	logger   *slog.Logger
	skip     map[string]struct{}

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	rateLimited     *prometheus.CounterVec
	lifecycleState  prometheus.Gauge
	cacheState      prometheus.Gauge
}

// DefaultMetricsConfig returns a default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "portare",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		SkipPaths: []string{"/metrics", "/health", "/api/v1/health"},
	}
}

// NewMetrics creates and registers the gateway metrics
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "portare"
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}

	m := &Metrics{
		registry: registry,
		factory:  factory,
		ns:       config.Namespace,
		logger:   logger,
		skip:     skip,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   config.Buckets,
			},
			[]string{"method", "route", "status"},
		),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "http",
			Name:      "requests_active",
			Help:      "Number of in-flight HTTP requests",
		}),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "rate_limit",
				Name:      "rejections_total",
				Help:      "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
		lifecycleState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "server",
			Name:      "lifecycle_state",
			Help:      "Server lifecycle state (0 starting, 1 running, 2 draining, 3 stopped)",
		}),
		cacheState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "cache",
			Name:      "connection_state",
			Help:      "Cache connection state (0 disconnected, 1 connecting, 2 connected, 3 failed)",
		}),
	}

	logger.Debug("prometheus metrics initialized", "namespace", config.Namespace)

	return m
}

// Middleware records request count and latency per matched route. It must be
// mounted on the chi router so the route pattern is known after serving.
func (m *Metrics) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := m.skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := strconv.Itoa(rw.statusCode)

			m.requestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Written reports whether the header has been sent.
func (rw *metricsResponseWriter) Written() bool {
	return rw.wroteHeader
}

func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RateLimited counts a rejection by limiter.
func (m *Metrics) RateLimited(limiter string) {
	m.rateLimited.WithLabelValues(limiter).Inc()
}

// SetLifecycleState records the server lifecycle state.
func (m *Metrics) SetLifecycleState(state int) {
	m.lifecycleState.Set(float64(state))
}

// SetCacheState records the cache connection state.
func (m *Metrics) SetCacheState(state int) {
	m.cacheState.Set(float64(state))
}

// RegisterPool exports pool usage gauges read at scrape time.
func (m *Metrics) RegisterPool(pool database.Pool) {
	gauge := func(name, help string, read func(database.Stats) float64) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.ns,
			Subsystem: "database",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Stats()) })
	}
	gauge("pool_acquired_connections", "Connections currently in use",
		func(s database.Stats) float64 { return float64(s.AcquiredConns) })
	gauge("pool_idle_connections", "Idle connections",
		func(s database.Stats) float64 { return float64(s.IdleConns) })
	gauge("pool_max_connections", "Maximum pool size",
		func(s database.Stats) float64 { return float64(s.MaxConns) })
}

// Handler returns the Prometheus scrape handler
// Endpoint: GET /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
