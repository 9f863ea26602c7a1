package middlewares

import (
	"log/slog"
	"net/http"
	"time"

	"portare_gateway/internal/observability"
)

// HealthPaths are never logged or rate limited. Matching is exact: no
// trailing-slash or case variants.
var HealthPaths = []string{"/health", "/api/v1/health"}

// IsHealthPath reports whether path is one of HealthPaths.
func IsHealthPath(path string) bool {
	return shouldSkipPath(path, HealthPaths)
}

// LoggerConfig holds configuration options for the HTTP request logger middleware
type LoggerConfig struct {
	Logger *slog.Logger // Structured logger instance

	// Detailed adds client, protocol and size fields (production format).
	// Otherwise one concise record with method, path, status and latency.
	Detailed bool

	// SkipPaths are skipped in addition to HealthPaths
	SkipPaths []string
}

// Logger creates an HTTP logging middleware emitting one record per request.
// HealthPaths are always skipped.
func Logger(config *LoggerConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = &LoggerConfig{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsHealthPath(r.URL.Path) || shouldSkipPath(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now()
			wrappedWriter := wrapResponseWriter(w)

			next.ServeHTTP(wrappedWriter, r)

			fields := buildLogFields(r, wrappedWriter, time.Since(startTime), config.Detailed)
			logRequest(config.Logger, wrappedWriter.Status(), fields)
		})
	}
}

// shouldSkipPath checks if the given path should be skipped from logging
func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if path == skipPath {
			return true
		}
	}
	return false
}

func buildLogFields(r *http.Request, rw *responseWriter, duration time.Duration, detailed bool) []any {
	fields := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", rw.Status(),
		"latency_ms", duration.Milliseconds(),
	}
	if !detailed {
		return fields
	}

	fields = append(fields,
		"latency", duration.String(),
		"client_ip", getClientIP(r),
		"host", r.Host,
		"proto", r.Proto,
		"response_size", rw.bytesWritten,
	)
	if len(r.URL.RawQuery) > 0 {
		fields = append(fields, "query", r.URL.RawQuery)
	}
	if userAgent := r.UserAgent(); userAgent != "" {
		fields = append(fields, "user_agent", userAgent)
	}
	if referer := r.Referer(); referer != "" {
		fields = append(fields, "referer", referer)
	}
	if requestID := observability.GetRequestID(r.Context()); requestID != "" {
		fields = append(fields, "request_id", requestID)
	}
	return fields
}

// logRequest logs the request with appropriate level based on status code
func logRequest(logger *slog.Logger, statusCode int, fields []any) {
	switch {
	case statusCode >= 500:
		logger.Error("server error", fields...)
	case statusCode >= 400:
		logger.Warn("client error", fields...)
	default:
		logger.Info("request handled", fields...)
	}
}
