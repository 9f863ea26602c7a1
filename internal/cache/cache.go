package cache

import (
	"context"
	"errors"
	"time"
)

// Cache defines the operations the gateway and domain handlers use on the
// shared cache connection.
type Cache interface {
	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with optional TTL (0 = default TTL)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// IncrementWindow increments a counter, opening a window of the given
	// length when none is active. It returns the new count and when the
	// window ends. The end time identifies the window.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	// Decrement decrements the counter only while its window still ends at
	// resetAt. A missing counter or a newer window is left untouched.
	Decrement(ctx context.Context, key string, resetAt time.Time) error

	// Ping checks if the cache is accessible
	Ping(ctx context.Context) error

	// State reports the connection state
	State() State

	// Close closes the cache connection
	Close() error
}

// State is the connection state of the cache client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	backoffStep = 50 * time.Millisecond
	backoffMax  = 500 * time.Millisecond
)

// Backoff returns the delay before reconnect attempt n (1-based):
// min(n*50ms, 500ms).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt >= int(backoffMax/backoffStep) {
		return backoffMax
	}
	return time.Duration(attempt) * backoffStep
}

// Config holds common cache configuration
type Config struct {
	// Default TTL for cache entries (0 = no expiration)
	DefaultTTL time.Duration

	// Key prefix for all cache keys
	Prefix string
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "portare:",
	}
}

// CacheError represents a cache operation error
type CacheError struct {
	Op  string // Operation that failed
	Key string // Cache key involved
	Err error  // Underlying error
}

func (e *CacheError) Error() string {
	if e.Key != "" {
		return "cache " + e.Op + " " + e.Key + " failed: " + e.Err.Error()
	}
	return "cache " + e.Op + " failed: " + e.Err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable is returned while the client is not connected.
	ErrUnavailable = errors.New("cache: unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: client closed")
)
