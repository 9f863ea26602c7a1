package middlewares

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"portare_gateway/internal/apperror"
)

// RecoveryConfig holds configuration for recovery middleware
type RecoveryConfig struct {
	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// OnError receives the recovered panic as an Internal error
	OnError ErrorResponder

	// DisableStackTrace omits the stack from logs and error detail
	DisableStackTrace bool
}

// Recovery converts a panic below it into an Internal error. Panics are
// request-level faults here; the process keeps serving. A response that was
// already started is left as is and the panic is only logged.
func Recovery(config *RecoveryConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = &RecoveryConfig{}
	}

	// Use provided logger or default
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onError := config.OnError
	if onError == nil {
		onError = NewErrorHandler(&ErrorHandlerConfig{Logger: logger, HideDetail: true}).Handle
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !canReportWritten(w) {
				w = wrapResponseWriter(w)
			}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				// Let net/http abort the connection as it would without us.
				if v == http.ErrAbortHandler {
					panic(v)
				}

				cause, ok := v.(error)
				if !ok {
					cause = fmt.Errorf("%v", v)
				}

				logAttrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"client_ip", getClientIP(r),
					"error", cause.Error(),
				}
				appErr := apperror.Internal(fmt.Errorf("panic: %w", cause))
				if !config.DisableStackTrace {
					stack := string(debug.Stack())
					logAttrs = append(logAttrs, "stack", stack)
					appErr = appErr.WithDetail(appErr.Detail + "\n" + stack)
				}
				logger.Error("panic recovered", logAttrs...)

				var typed *apperror.Error
				if errors.As(cause, &typed) {
					onError(w, r, typed)
					return
				}
				onError(w, r, appErr)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func canReportWritten(w http.ResponseWriter) bool {
	_, ok := w.(interface{ Written() bool })
	return ok
}
