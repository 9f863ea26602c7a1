package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"portare_gateway/internal/auth"
	"portare_gateway/internal/middlewares"
	"portare_gateway/internal/observability"
)

const (
	// APIPrefix is the versioned mount point for every route group
	APIPrefix = "/api/v1"

	AuthGroup = "auth"
)

// ProtectedGroups are the domain groups mounted behind the authentication
// gate, in mount order.
var ProtectedGroups = []string{
	"patients",
	"calls",
	"triage",
	"visits",
	"prescriptions",
	"dispatch",
	"telemedicine",
	"transport",
	"users",
	"analytics",
}

// MiddlewaresType defines the middleware function signature
type MiddlewaresType func(http.Handler) http.Handler

// RouteGroup is one mount prefix with its gate and handler.
type RouteGroup struct {
	Prefix      string
	Middlewares []MiddlewaresType
	// Handler serves everything under Prefix. Nil means the group is not
	// deployed and its routes fall through to the not-found envelope.
	Handler http.Handler
}

// Handlers are the domain route handlers the gateway fronts, keyed by group
// name (AuthGroup or one of ProtectedGroups).
type Handlers map[string]http.Handler

// Config holds everything the router composes into the pipeline
type Config struct {
	Logger *slog.Logger

	// Production selects detailed request logs
	Production bool

	// ExposeErrorDetail adds diagnostic detail to error envelopes and logs.
	// Only development sets it.
	ExposeErrorDetail bool

	Service string
	Version string

	// Resources are attached to every request context
	Resources *middlewares.Resources

	// Verifier backs the authentication gate
	Verifier auth.Verifier

	CORSOrigins []string
	BodyLimit   int64

	// GlobalLimiter and AuthLimiter default to the in-memory policies
	GlobalLimiter *middlewares.RateLimitConfig
	AuthLimiter   *middlewares.RateLimitConfig

	// Metrics enables the metrics middleware and GET /metrics
	Metrics *observability.Metrics

	// ReadinessChecks enables GET /ready
	ReadinessChecks map[string]observability.HealthCheck

	// Tracing wraps the pipeline in an OpenTelemetry server span
	Tracing bool

	Handlers Handlers
}

// RouteConflictError reports two mount prefixes that would both match a path
type RouteConflictError struct {
	NewRoute      string
	ExistingRoute string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s overlaps existing mount %s", e.NewRoute, e.ExistingRoute)
}

// New builds the request pipeline:
//
//	request id, recovery, security headers, CORS, logger, metrics,
//	global limiter, body limit, resources, recovery, router
//
// The outer recovery answers panics raised by the pipeline stages. The inner
// one sits below the logger and metrics so they record a handler panic as a
// 500. The router applies the auth limiter to the auth group and the
// authentication gate to every protected group.
func New(config *Config) (http.Handler, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Service == "" {
		config.Service = "PORTARE-AREU API"
	}
	if config.Version == "" {
		config.Version = "v1"
	}
	if config.Resources == nil {
		config.Resources = &middlewares.Resources{}
	}

	for name := range config.Handlers {
		if name != AuthGroup && !isProtectedGroup(name) {
			return nil, fmt.Errorf("unknown route group %q", name)
		}
	}

	errs := middlewares.NewErrorHandler(&middlewares.ErrorHandlerConfig{
		Logger:     logger,
		HideDetail: !config.ExposeErrorDetail,
	})

	globalLimiter := config.GlobalLimiter
	if globalLimiter == nil {
		globalLimiter = middlewares.GlobalRateLimitConfig(nil)
	}
	authLimiter := config.AuthLimiter
	if authLimiter == nil {
		authLimiter = middlewares.AuthRateLimitConfig(nil)
	}
	for _, lc := range []*middlewares.RateLimitConfig{globalLimiter, authLimiter} {
		lc.Logger = logger
		lc.OnError = errs.Handle
		if config.Metrics != nil && lc.OnLimitReached == nil {
			name := lc.Name
			lc.OnLimitReached = func(*http.Request, string) { config.Metrics.RateLimited(name) }
		}
	}

	groups := Groups(config, authLimiter, errs)
	if err := checkConflicts(groups); err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	recovery := middlewares.Recovery(&middlewares.RecoveryConfig{Logger: logger, OnError: errs.Handle})

	r.Use(observability.RequestID())
	r.Use(recovery)
	r.Use(middlewares.Security())
	r.Use(middlewares.CORS(&middlewares.CORSConfig{AllowOrigins: config.CORSOrigins, Logger: logger}))
	r.Use(middlewares.Logger(&middlewares.LoggerConfig{Logger: logger, Detailed: config.Production}))
	if config.Metrics != nil {
		r.Use(config.Metrics.Middleware())
	}
	r.Use(middlewares.RateLimit(globalLimiter))
	r.Use(middlewares.BodyLimit(config.BodyLimit, errs.Handle))
	r.Use(middlewares.AttachResources(config.Resources))
	r.Use(recovery)

	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.NotFound)

	r.Get("/health", observability.HealthHandler())
	r.Get(APIPrefix+"/health", observability.APIHealthHandler(config.Service, config.Version))
	if config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", config.Metrics.Handler())
	}
	if len(config.ReadinessChecks) > 0 {
		r.Get("/ready", observability.ReadinessHandler(&observability.ReadinessConfig{
			Logger: logger,
			Checks: config.ReadinessChecks,
		}))
	}

	for _, g := range groups {
		mountGroup(r, g, errs)
		logger.Debug("route group mounted", "prefix", g.Prefix, "deployed", g.Handler != nil)
	}

	var handler http.Handler = r
	if config.Tracing {
		handler = observability.Tracing("portare-gateway")(handler)
	}
	return handler, nil
}

// Groups returns the mount list in first-match order.
func Groups(config *Config, authLimiter *middlewares.RateLimitConfig, errs *middlewares.ErrorHandler) []RouteGroup {
	groups := make([]RouteGroup, 0, len(ProtectedGroups)+1)
	groups = append(groups, RouteGroup{
		Prefix:      APIPrefix + "/" + AuthGroup,
		Middlewares: []MiddlewaresType{middlewares.RateLimit(authLimiter)},
		Handler:     config.Handlers[AuthGroup],
	})

	gate := middlewares.RequireAuth(&middlewares.AuthConfig{
		Verifier: config.Verifier,
		Logger:   config.Logger,
		OnError:  errs.Handle,
	})
	for _, name := range ProtectedGroups {
		groups = append(groups, RouteGroup{
			Prefix:      APIPrefix + "/" + name,
			Middlewares: []MiddlewaresType{gate},
			Handler:     config.Handlers[name],
		})
	}
	return groups
}

func mountGroup(r chi.Router, g RouteGroup, errs *middlewares.ErrorHandler) {
	r.Route(g.Prefix, func(gr chi.Router) {
		for _, mw := range g.Middlewares {
			gr.Use(mw)
		}
		if g.Handler == nil {
			gr.HandleFunc("/*", errs.NotFound)
			return
		}
		gr.Mount("/", g.Handler)
	})
}

// checkConflicts rejects prefixes where one is a path-segment prefix of another.
func checkConflicts(groups []RouteGroup) error {
	for i := range groups {
		for j := 0; j < i; j++ {
			a, b := groups[i].Prefix, groups[j].Prefix
			if a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/") {
				return &RouteConflictError{NewRoute: a, ExistingRoute: b}
			}
		}
	}
	return nil
}

func isProtectedGroup(name string) bool {
	for _, g := range ProtectedGroups {
		if g == name {
			return true
		}
	}
	return false
}
