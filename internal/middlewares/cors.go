package middlewares

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

var (
	corsMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}
	corsHeaders = []string{"Content-Type", "Authorization"}
)

const corsMaxAge = 86400

// CORSConfig holds configuration for CORS middleware. Methods, headers,
// credentials and preflight max age are fixed; only origins vary.
type CORSConfig struct {
	// AllowOrigins lists the exact origins that may access the API.
	// There is no wildcard: "*" is compared literally like any other entry.
	AllowOrigins []string

	// Logger for structured logging
	// Default: slog.Default()
	Logger *slog.Logger
}

// CORS returns a Cross-Origin Resource Sharing middleware.
// Preflight requests (OPTIONS with Access-Control-Request-Method) are
// answered with 204 here and never reach the router.
func CORS(config *CORSConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = &CORSConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origins := slices.Clone(config.AllowOrigins)
	if slices.Contains(origins, "*") {
		logger.Warn("CORS: \"*\" is not a wildcard and matches no browser origin")
	}

	c := cors.New(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return slices.Contains(origins, origin)
		},
		AllowedMethods:     corsMethods,
		AllowedHeaders:     corsHeaders,
		AllowCredentials:   true,
		MaxAge:             corsMaxAge,
		OptionsPassthrough: true,
	})
	c.Log = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	return func(next http.Handler) http.Handler {
		return c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func isPreflight(r *http.Request) bool {
	_, hasOrigin := r.Header["Origin"]
	return r.Method == http.MethodOptions && hasOrigin && r.Header.Get("Access-Control-Request-Method") != ""
}
