package middlewares

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"portare_gateway/internal/apperror"
	"portare_gateway/internal/auth"
)

// AuthConfig holds configuration for the bearer authentication gate
type AuthConfig struct {
	// Verifier validates the bearer credential. A nil Verifier rejects everything.
	Verifier auth.Verifier

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// OnError answers rejected requests
	OnError ErrorResponder
}

// RequireAuth admits only requests carrying a bearer credential the verifier
// accepts and attaches the caller's identity to the request context.
// Every failure path rejects.
func RequireAuth(config *AuthConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = &AuthConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := config.Verifier
	if verifier == nil {
		verifier = auth.DenyAll
	}
	onError := config.OnError
	if onError == nil {
		onError = NewErrorHandler(&ErrorHandlerConfig{Logger: logger}).Handle
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				onError(w, r, apperror.Unauthorized("Missing or malformed authorization header"))
				return
			}

			id, err := verify(r.Context(), verifier, token)
			if err != nil || id == nil {
				logger.Debug("bearer verification failed", "path", r.URL.Path, "error", err)
				onError(w, r, apperror.Unauthorized("Invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// verify turns a verifier panic into a rejection.
func verify(ctx context.Context, v auth.Verifier, token string) (id *auth.Identity, err error) {
	defer func() {
		if p := recover(); p != nil {
			id, err = nil, fmt.Errorf("verifier panic: %v", p)
		}
	}()
	return v.Verify(ctx, token)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
