package middlewares

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"portare_gateway/internal/apperror"
	"portare_gateway/internal/observability"
)

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorResponder answers a request with err. Gates call it instead of writing
// error bodies themselves.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// ErrorHandlerConfig holds configuration for the terminal error handler
type ErrorHandlerConfig struct {
	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// HideDetail drops diagnostic detail from responses and logs
	HideDetail bool

	// Now returns the timestamp stamped on envelopes (default time.Now)
	Now func() time.Time
}

// ErrorHandler translates errors into the JSON error envelope.
type ErrorHandler struct {
	logger     *slog.Logger
	hideDetail bool
	now        func() time.Time
}

// NewErrorHandler creates the error handler
func NewErrorHandler(config *ErrorHandlerConfig) *ErrorHandler {
	if config == nil {
		config = &ErrorHandlerConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &ErrorHandler{logger: logger, hideDetail: config.HideDetail, now: now}
}

// Handle writes the envelope for err. It never panics and always answers
// unless the response was already started, in which case it only logs.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("error handler failed", "panic", v, "method", r.Method, "path", r.URL.Path)
		}
	}()

	appErr := apperror.From(err)
	if appErr == nil {
		appErr = apperror.Internal(nil)
	}

	timestamp := h.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")

	attrs := []any{
		"timestamp", timestamp,
		"status", appErr.Status,
		"code", appErr.Code,
		"message", appErr.Message,
		"kind", appErr.Kind.String(),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if requestID := observability.GetRequestID(r.Context()); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if !h.hideDetail && appErr.Detail != "" {
		attrs = append(attrs, "detail", appErr.Detail)
	}

	switch {
	case appErr.Status >= 500:
		h.logger.Error("request failed", attrs...)
	default:
		h.logger.Warn("request rejected", attrs...)
	}

	if headerWritten(w) {
		return
	}

	envelope := ErrorEnvelope{
		Status:    "error",
		Code:      appErr.Code,
		Message:   appErr.Message,
		Timestamp: timestamp,
	}
	if !h.hideDetail {
		envelope.Detail = appErr.Detail
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.Status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		h.logger.Debug("failed to write error envelope", "error", err)
	}
}

// NotFound answers every unmatched method and path.
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.Handle(w, r, apperror.RouteNotFound(r.Method, r.URL.Path))
}

// HandlerFunc is an http handler that reports failure by returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Wrap adapts fn to http.Handler, sending any returned error to Handle.
func (h *ErrorHandler) Wrap(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			h.Handle(w, r, err)
		}
	})
}
