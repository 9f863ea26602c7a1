package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"portare_gateway/internal/cache"
	"portare_gateway/internal/database"
	"portare_gateway/internal/fault"
)

// Resource represents a resource that needs cleanup during shutdown
type Resource interface {
	Name() string
	Close(ctx context.Context) error
}

// onceResource closes the wrapped resource at most once. Later calls
// return the first result.
type onceResource struct {
	Resource
	once sync.Once
	err  error
}

// Once guards r so that Close runs exactly once.
func Once(r Resource) Resource {
	if o, ok := r.(*onceResource); ok {
		return o
	}
	return &onceResource{Resource: r}
}

func (o *onceResource) Close(ctx context.Context) error {
	o.once.Do(func() {
		o.err = o.Resource.Close(ctx)
	})
	return o.err
}

// closeAll closes resources in order. A failure is logged and the next
// resource is still closed.
func closeAll(ctx context.Context, resources []Resource, logger *slog.Logger) int {
	failed := 0
	for _, r := range resources {
		logger.Info("closing resource", "resource", r.Name())
		start := time.Now()

		if err := r.Close(ctx); err != nil {
			failed++
			logger.Error("failed to close resource",
				"resource", r.Name(),
				"error", err,
				"duration", time.Since(start).String(),
			)
			continue
		}
		logger.Info("resource closed",
			"resource", r.Name(),
			"duration", time.Since(start).String(),
		)
	}
	return failed
}

// HTTPServerResource stops the listener and waits for in-flight requests
type HTTPServerResource struct {
	server *http.Server
	name   string
}

// NewHTTPServerResource creates a new HTTP server resource
func NewHTTPServerResource(name string, server *http.Server) *HTTPServerResource {
	return &HTTPServerResource{
		server: server,
		name:   name,
	}
}

func (h *HTTPServerResource) Name() string {
	return h.name
}

func (h *HTTPServerResource) Close(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// DatabaseResource wraps the connection pool for shutdown
type DatabaseResource struct {
	pool   database.Pool
	name   string
	logger *slog.Logger
}

// NewDatabaseResource creates a new database resource
func NewDatabaseResource(name string, pool database.Pool, logger *slog.Logger) *DatabaseResource {
	return &DatabaseResource{
		pool:   pool,
		name:   name,
		logger: logger,
	}
}

func (d *DatabaseResource) Name() string {
	return d.name
}

// Close waits for the pool to close or ctx to end. pgxpool's Close takes no
// context, so on ctx expiry it keeps closing in the background.
func (d *DatabaseResource) Close(ctx context.Context) error {
	done := make(chan struct{})
	fault.Go(d.logger, "database close", func() {
		d.pool.Close()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CacheResource wraps the cache client for shutdown
type CacheResource struct {
	cache cache.Cache
	name  string
}

// NewCacheResource creates a new cache resource
func NewCacheResource(name string, c cache.Cache) *CacheResource {
	return &CacheResource{
		cache: c,
		name:  name,
	}
}

func (c *CacheResource) Name() string {
	return c.name
}

func (c *CacheResource) Close(ctx context.Context) error {
	return c.cache.Close()
}
