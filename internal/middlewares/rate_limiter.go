package middlewares

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"portare_gateway/internal/apperror"
	"portare_gateway/internal/cache"
	"portare_gateway/internal/fault"
)

const (
	// RateLimitWindow is the fixed window both limiters count over.
	RateLimitWindow = 15 * time.Minute

	GlobalRateLimit = 100
	AuthRateLimit   = 5

	GlobalRateLimitMessage = "Too many requests from this IP, please try again later."
	AuthRateLimitMessage   = "Too many login attempts, please try again later."
)

// RateLimitConfig holds configuration for the fixed-window rate limiter
type RateLimitConfig struct {
	// Name scopes keys so independent limiters never share counters.
	// Default: "global"
	Name string

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// Limit is the number of counted requests admitted per key per window
	Limit int

	// Window is the fixed counting interval
	Window time.Duration

	// Message returned when the limit is exceeded
	Message string

	// KeyGenerator generates the client key
	// Default: client source address
	KeyGenerator func(r *http.Request) string

	// Store holds the counters
	// Default: in-memory store
	Store WindowStore

	// Skipper defines a function to skip middleware
	Skipper func(r *http.Request) bool

	// SkipSuccessfulRequests un-counts requests answered with status < 400,
	// so only failures consume the limit.
	SkipSuccessfulRequests bool

	// OnError answers rejected requests
	OnError ErrorResponder

	// OnLimitReached is called when a request is rejected
	OnLimitReached func(r *http.Request, key string)
}

// WindowStore holds fixed-window counters.
// Implementations must make Increment atomic per key.
type WindowStore interface {
	// Increment counts a hit for key, opening a new window if none is active,
	// and returns the count within the window and when the window resets.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Decrement removes a hit from key's window ending at resetAt. Once
	// that window has been replaced the call does nothing.
	Decrement(ctx context.Context, key string, resetAt time.Time) error
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryWindowStore implements an in-memory fixed-window store
type MemoryWindowStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryWindowStore creates a new in-memory store. Expired entries are
// removed every cleanupInterval until Close.
func NewMemoryWindowStore(cleanupInterval time.Duration) *MemoryWindowStore {
	store := &MemoryWindowStore{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	fault.Go(nil, "rate limit store cleanup", func() { store.cleanup(cleanupInterval) })

	return store
}

// Increment counts a hit. Window reset happens under the same lock as the
// increment, so concurrent hits never observe a half-reset entry.
func (m *MemoryWindowStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.entries[key]
	if !exists || !now.Before(entry.resetAt) {
		entry = &windowEntry{resetAt: now.Add(window)}
		m.entries[key] = entry
	}
	entry.count++

	return entry.count, entry.resetAt, nil
}

// Decrement removes a hit from the window ending at resetAt
func (m *MemoryWindowStore) Decrement(ctx context.Context, key string, resetAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if exists && entry.resetAt.Equal(resetAt) && entry.count > 0 {
		entry.count--
	}
	return nil
}

// Close stops the cleanup goroutine
func (m *MemoryWindowStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryWindowStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryWindowStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if !now.Before(entry.resetAt) {
			delete(m.entries, key)
		}
	}
}

// CacheWindowStore keeps counters in the shared cache so several gateway
// instances share one quota.
type CacheWindowStore struct {
	cache     cache.Cache
	keyPrefix string
}

// NewCacheWindowStore creates a new cache-backed store
func NewCacheWindowStore(c cache.Cache, keyPrefix string) *CacheWindowStore {
	if keyPrefix == "" {
		keyPrefix = "rate_limit:"
	}
	return &CacheWindowStore{cache: c, keyPrefix: keyPrefix}
}

// Increment counts a hit atomically in the cache
func (c *CacheWindowStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	count, resetAt, err := c.cache.IncrementWindow(ctx, c.keyPrefix+key, window)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit increment: %w", err)
	}
	return count, resetAt, nil
}

// Decrement removes a hit from the window ending at resetAt
func (c *CacheWindowStore) Decrement(ctx context.Context, key string, resetAt time.Time) error {
	if err := c.cache.Decrement(ctx, c.keyPrefix+key, resetAt); err != nil {
		return fmt.Errorf("rate limit decrement: %w", err)
	}
	return nil
}

// GlobalRateLimitConfig returns the per-client limit applied to every path
// except HealthPaths.
func GlobalRateLimitConfig(store WindowStore) *RateLimitConfig {
	return &RateLimitConfig{
		Name:    "global",
		Limit:   GlobalRateLimit,
		Window:  RateLimitWindow,
		Message: GlobalRateLimitMessage,
		Store:   store,
		Skipper: func(r *http.Request) bool { return IsHealthPath(r.URL.Path) },
	}
}

// AuthRateLimitConfig returns the limit on failed authentication attempts.
func AuthRateLimitConfig(store WindowStore) *RateLimitConfig {
	return &RateLimitConfig{
		Name:                   "auth",
		Limit:                  AuthRateLimit,
		Window:                 RateLimitWindow,
		Message:                AuthRateLimitMessage,
		Store:                  store,
		SkipSuccessfulRequests: true,
	}
}

// defaultKeyGenerator generates a key based on client IP
func defaultKeyGenerator(r *http.Request) string {
	return getClientIP(r)
}

// RateLimit returns a fixed-window rate limiting middleware. A request is
// rejected when its key already holds Limit counted requests in the window.
func RateLimit(config *RateLimitConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = GlobalRateLimitConfig(nil)
	}

	// Set defaults
	if config.Name == "" {
		config.Name = "global"
	}
	if config.Store == nil {
		config.Store = NewMemoryWindowStore(time.Minute)
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = defaultKeyGenerator
	}
	if config.Limit <= 0 {
		config.Limit = GlobalRateLimit
	}
	if config.Window <= 0 {
		config.Window = RateLimitWindow
	}
	if config.Message == "" {
		config.Message = GlobalRateLimitMessage
	}

	// Use provided logger or default
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onError := config.OnError
	if onError == nil {
		onError = NewErrorHandler(&ErrorHandlerConfig{Logger: logger}).Handle
	}

	limit := strconv.Itoa(config.Limit)
	policy := fmt.Sprintf("%d;w=%d", config.Limit, int(config.Window.Seconds()))

	logger.Debug("rate limiter middleware initialized",
		"name", config.Name,
		"limit", config.Limit,
		"window", config.Window.String(),
		"skip_successful", config.SkipSuccessfulRequests,
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Skipper != nil && config.Skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := config.Name + ":" + config.KeyGenerator(r)
			ctx := r.Context()

			count, resetAt, err := config.Store.Increment(ctx, key, config.Window)
			if err != nil {
				// Fail open: the request is admitted uncounted.
				logger.Error("rate limiter store error",
					"limiter", config.Name,
					"key", key,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			remaining := config.Limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			resetSeconds := int(math.Ceil(time.Until(resetAt).Seconds()))
			if resetSeconds < 0 {
				resetSeconds = 0
			}

			h := w.Header()
			h.Set("RateLimit-Policy", policy)
			h.Set("RateLimit-Limit", limit)
			h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(resetSeconds))

			if count > int64(config.Limit) {
				logger.Warn("rate limit exceeded",
					"limiter", config.Name,
					"key", key,
					"path", r.URL.Path,
					"retry_after_seconds", resetSeconds,
				)

				if config.OnLimitReached != nil {
					config.OnLimitReached(r, key)
				}

				h.Set("Retry-After", strconv.Itoa(resetSeconds))
				onError(w, r, apperror.RateLimited(config.Message))
				return
			}

			if !config.SkipSuccessfulRequests {
				next.ServeHTTP(w, r)
				return
			}

			rw := wrapResponseWriter(w)
			next.ServeHTTP(rw, r)

			if rw.Status() < http.StatusBadRequest {
				if err := config.Store.Decrement(context.WithoutCancel(ctx), key, resetAt); err != nil {
					logger.Error("rate limiter decrement failed",
						"limiter", config.Name,
						"key", key,
						"error", err,
					)
				}
			}
		})
	}
}
