package middlewares

import (
	"context"
	"net/http"

	"portare_gateway/internal/cache"
	"portare_gateway/internal/database"
)

// Resources are the process-wide handles every request may use. They are
// owned by the server lifecycle and shared by reference; both are safe for
// concurrent use on their own.
type Resources struct {
	Pool  database.Pool
	Cache cache.Cache
}

type resourcesKey struct{}

// AttachResources puts res on every request context. No copying and no locking.
func AttachResources(res *Resources) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), resourcesKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResourcesFrom returns the resources attached to ctx.
func ResourcesFrom(ctx context.Context) (*Resources, bool) {
	res, ok := ctx.Value(resourcesKey{}).(*Resources)
	return res, ok && res != nil
}

// PoolFrom returns the shared connection pool, or nil.
func PoolFrom(ctx context.Context) database.Pool {
	if res, ok := ResourcesFrom(ctx); ok {
		return res.Pool
	}
	return nil
}

// CacheFrom returns the shared cache client, or nil.
func CacheFrom(ctx context.Context) cache.Cache {
	if res, ok := ResourcesFrom(ctx); ok {
		return res.Cache
	}
	return nil
}
