package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a readiness check function
type HealthCheck func(ctx context.Context) (HealthStatus, string, error)

var startTime = time.Now()

// Uptime returns how long the process has been up
func Uptime() time.Duration {
	return time.Since(startTime)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// APIHealthResponse is the body of GET /api/v1/health
type APIHealthResponse struct {
	Status    string  `json:"status"`
	Service   string  `json:"service"`
	Version   string  `json:"version"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// HealthHandler answers the liveness probe. It touches no resources.
// Endpoint: GET /health
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "OK",
			Timestamp: timestamp(),
			Uptime:    Uptime().Seconds(),
		})
	}
}

// APIHealthHandler answers the versioned health probe.
// Endpoint: GET /api/v1/health
func APIHealthHandler(service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, APIHealthResponse{
			Status:    "OK",
			Service:   service,
			Version:   version,
			Timestamp: timestamp(),
			Uptime:    Uptime().Seconds(),
		})
	}
}

// CheckResult represents the result of a single readiness check
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// ReadinessConfig holds the checks behind GET /ready
type ReadinessConfig struct {
	Logger *slog.Logger

	// Checks by name. Any unhealthy check makes the gateway not ready;
	// degraded checks are reported but do not.
	Checks map[string]HealthCheck

	// Timeout for the whole set of checks
	Timeout time.Duration
}

// ReadinessHandler runs every check concurrently.
// Endpoint: GET /ready
func ReadinessHandler(config *ReadinessConfig) http.HandlerFunc {
	if config == nil {
		config = &ReadinessConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
		defer cancel()

		results := RunChecks(ctx, config.Checks)

		ready := true
		for _, res := range results {
			if res.Status == StatusUnhealthy {
				ready = false
			}
		}

		statusCode := http.StatusOK
		if !ready {
			statusCode = http.StatusServiceUnavailable
			logger.Warn("readiness check failed", "checks", failing(results))
		}

		writeJSON(w, statusCode, map[string]any{
			"ready":     ready,
			"timestamp": timestamp(),
			"checks":    results,
		})
	}
}

// RunChecks executes checks concurrently and waits for all of them.
func RunChecks(ctx context.Context, checks map[string]HealthCheck) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			res := runHealthCheck(gctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func runHealthCheck(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	status, message, err := check(ctx)
	result := CheckResult{
		Status:  status,
		Message: message,
		Latency: time.Since(start).String(),
	}
	if err != nil {
		result.Error = err.Error()
		if result.Status == StatusHealthy || result.Status == "" {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

func failing(results map[string]CheckResult) []string {
	var names []string
	for name, res := range results {
		if res.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PingCheck wraps a ping function as a readiness check
func PingCheck(ping func(context.Context) error) HealthCheck {
	return func(ctx context.Context) (HealthStatus, string, error) {
		if err := ping(ctx); err != nil {
			return StatusUnhealthy, "ping failed", err
		}
		return StatusHealthy, "ok", nil
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
