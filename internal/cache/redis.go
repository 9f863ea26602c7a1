package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"portare_gateway/internal/fault"
)

// RedisCache implements Cache on a single go-redis client and keeps it
// connected in the background.
type RedisCache struct {
	client *redis.Client
	config *RedisConfig
	logger *slog.Logger

	state  atomic.Int32
	errLog rate.Sometimes

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	// Common cache config
	*Config

	// URL in redis://[:password@]host:port[/db] form
	URL string

	// PingInterval is how often a connected client is re-checked
	PingInterval time.Duration

	// AttemptTimeout bounds a single connect attempt
	AttemptTimeout time.Duration

	// MaxAttempts stops reconnecting after this many consecutive failures (0 = never)
	MaxAttempts int

	// Backoff maps a failed attempt count to the delay before the next attempt
	Backoff func(attempt int) time.Duration

	// OnStateChange is called after every state transition
	OnStateChange func(State)

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultRedisConfig returns a default Redis configuration
func DefaultRedisConfig(url string) *RedisConfig {
	return &RedisConfig{
		Config:         DefaultConfig(),
		URL:            url,
		PingInterval:   5 * time.Second,
		AttemptTimeout: 2 * time.Second,
		Backoff:        Backoff,
	}
}

// NewRedisCache builds the client without connecting. Call Connect to start
// the background connection loop.
func NewRedisCache(config *RedisConfig) (*RedisCache, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	if config.Backoff == nil {
		config.Backoff = Backoff
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 5 * time.Second
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 2 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, &CacheError{Op: "parse url", Err: err}
	}
	opts.DialTimeout = config.AttemptTimeout

	return &RedisCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
		errLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
		done:   make(chan struct{}),
	}, nil
}

// Connect starts the connection loop in the background and returns
// immediately. Failures are logged and retried, never returned.
func (rc *RedisCache) Connect(ctx context.Context) {
	rc.startOnce.Do(func() {
		if rc.closed.Load() {
			close(rc.done)
			return
		}
		ctx, rc.cancel = context.WithCancel(ctx)
		rc.setState(Connecting)
		fault.Go(rc.logger, "cache connection loop", func() {
			defer close(rc.done)
			rc.run(ctx)
		})
	})
}

func (rc *RedisCache) run(ctx context.Context) {
	attempt := 0
	for {
		pingCtx, cancel := context.WithTimeout(ctx, rc.config.AttemptTimeout)
		err := rc.client.Ping(pingCtx).Err()
		cancel()

		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err == nil {
			if rc.State() != Connected {
				rc.logger.Info("cache connected", "attempts", attempt+1)
				rc.setState(Connected)
			}
			attempt = 0
			delay = rc.config.PingInterval
		} else {
			attempt++
			rc.setState(Failed)
			rc.errLog.Do(func() {
				rc.logger.Warn("cache connection failed", "attempt", attempt, "error", err)
			})
			if rc.config.MaxAttempts > 0 && attempt >= rc.config.MaxAttempts {
				rc.logger.Error("cache reconnect attempts exhausted", "attempts", attempt)
				return
			}
			delay = rc.config.Backoff(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if rc.State() != Connected {
			rc.setState(Connecting)
		}
	}
}

func (rc *RedisCache) setState(s State) {
	if rc.closed.Load() && s != Disconnected {
		return
	}
	if State(rc.state.Swap(int32(s))) == s {
		return
	}
	if rc.config.OnStateChange != nil {
		rc.config.OnStateChange(s)
	}
}

// State reports the connection state
func (rc *RedisCache) State() State {
	return State(rc.state.Load())
}

// Raw exposes the underlying client to domain handlers.
func (rc *RedisCache) Raw() *redis.Client {
	return rc.client
}

// Get retrieves a value from Redis
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if rc.closed.Load() {
		return nil, ErrClosed
	}

	key = rc.prefixKey(key)

	result, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, &CacheError{Op: "get", Key: key, Err: err}
	}

	return result, nil
}

// Set stores a value in Redis with optional TTL
func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if rc.closed.Load() {
		return ErrClosed
	}

	key = rc.prefixKey(key)

	if ttl == 0 {
		ttl = rc.config.DefaultTTL
	}

	if err := rc.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &CacheError{Op: "set", Key: key, Err: err}
	}

	return nil
}

// Delete removes a value from Redis
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if rc.closed.Load() {
		return ErrClosed
	}

	key = rc.prefixKey(key)

	if err := rc.client.Del(ctx, key).Err(); err != nil {
		return &CacheError{Op: "delete", Key: key, Err: err}
	}

	return nil
}

// A window is a hash {count, reset}; reset is the window end in Unix
// milliseconds taken from the Redis clock, so every gateway instance agrees
// on it. The key expires with the window.
var incrWindowScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset'))
if not reset or reset <= now then
  reset = now + tonumber(ARGV[1])
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], 'reset', reset)
  redis.call('PEXPIREAT', KEYS[1], reset)
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, reset}
`)

// IncrementWindow increments key and opens a new window when the last one ended.
func (rc *RedisCache) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if rc.closed.Load() {
		return 0, time.Time{}, ErrClosed
	}

	key = rc.prefixKey(key)

	vals, err := incrWindowScript.Run(ctx, rc.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, &CacheError{Op: "incr", Key: key, Err: err}
	}
	if len(vals) != 2 {
		return 0, time.Time{}, &CacheError{Op: "incr", Key: key, Err: fmt.Errorf("unexpected reply length %d", len(vals))}
	}

	return vals[0], time.UnixMilli(vals[1]), nil
}

var decrWindowScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[1], 'reset')) ~= tonumber(ARGV[1]) then
  return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'count') or 0) > 0 then
  return redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 0
`)

// Decrement decrements the counter of the window ending at resetAt
func (rc *RedisCache) Decrement(ctx context.Context, key string, resetAt time.Time) error {
	if rc.closed.Load() {
		return ErrClosed
	}

	key = rc.prefixKey(key)

	if err := decrWindowScript.Run(ctx, rc.client, []string{key}, resetAt.UnixMilli()).Err(); err != nil {
		return &CacheError{Op: "decr", Key: key, Err: err}
	}

	return nil
}

// Ping checks if Redis is accessible
func (rc *RedisCache) Ping(ctx context.Context) error {
	if rc.closed.Load() {
		return ErrClosed
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		return &CacheError{Op: "ping", Err: err}
	}

	return nil
}

// Close stops the connection loop and closes the client. Only the first
// call does any work; later calls return nil.
func (rc *RedisCache) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		rc.closed.Store(true)
		rc.startOnce.Do(func() { close(rc.done) })
		if rc.cancel != nil {
			rc.cancel()
		}
		<-rc.done
		err = rc.client.Close()
		rc.setState(Disconnected)
	})
	return err
}

func (rc *RedisCache) prefixKey(key string) string {
	if rc.config.Prefix == "" {
		return key
	}
	return rc.config.Prefix + key
}
