package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{9, 450 * time.Millisecond},
		{10, 500 * time.Millisecond},
		{11, 500 * time.Millisecond},
		{1000, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestCacheError(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := &CacheError{Op: "get", Key: "portare:k", Err: cause}

	assert.Equal(t, "cache get portare:k failed: i/o timeout", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cache ping failed: i/o timeout", (&CacheError{Op: "ping", Err: cause}).Error())
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache(DefaultRedisConfig("not-a-url://x"))
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "parse url", cacheErr.Op)

	_, err = NewRedisCache(nil)
	assert.Error(t, err)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func unreachableConfig(rec *stateRecorder) *RedisConfig {
	cfg := DefaultRedisConfig("redis://127.0.0.1:1/0")
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.AttemptTimeout = 200 * time.Millisecond
	cfg.Backoff = func(int) time.Duration { return time.Millisecond }
	cfg.OnStateChange = rec.record
	return cfg
}

func TestRedisCache_UnreachableEndsFailed(t *testing.T) {
	rec := &stateRecorder{}
	cfg := unreachableConfig(rec)
	cfg.MaxAttempts = 2

	rc, err := NewRedisCache(cfg)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, rc.State())

	rc.Connect(context.Background())

	select {
	case <-rc.done:
	case <-time.After(10 * time.Second):
		t.Fatal("connection loop did not give up")
	}
	assert.Equal(t, Failed, rc.State())
	assert.Equal(t, []State{Connecting, Failed, Connecting, Failed}, rec.snapshot())

	require.NoError(t, rc.Close())
	assert.Equal(t, Disconnected, rc.State())
}

func TestRedisCache_CloseStopsLoop(t *testing.T) {
	rec := &stateRecorder{}
	rc, err := NewRedisCache(unreachableConfig(rec))
	require.NoError(t, err)

	rc.Connect(context.Background())
	require.Eventually(t, func() bool { return rc.State() == Failed || rc.State() == Connecting }, 5*time.Second, time.Millisecond)

	require.NoError(t, rc.Close())
	assert.Equal(t, Disconnected, rc.State())

	// No transitions after close.
	n := len(rec.snapshot())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), n)
	assert.Equal(t, Disconnected, rec.snapshot()[n-1])
}

func TestRedisCache_CloseOnce(t *testing.T) {
	rc, err := NewRedisCache(DefaultRedisConfig("redis://127.0.0.1:1/0"))
	require.NoError(t, err)

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	// Connect after Close starts nothing.
	rc.Connect(context.Background())
	assert.Equal(t, Disconnected, rc.State())

	ctx := context.Background()
	_, err = rc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, rc.Set(ctx, "k", []byte("v"), 0), ErrClosed)
	assert.ErrorIs(t, rc.Delete(ctx, "k"), ErrClosed)
	_, _, err = rc.IncrementWindow(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, rc.Decrement(ctx, "k", time.Now()), ErrClosed)
	assert.ErrorIs(t, rc.Ping(ctx), ErrClosed)
}

func TestRedisCache_OperationErrorsAreTyped(t *testing.T) {
	cfg := DefaultRedisConfig("redis://127.0.0.1:1/0")
	cfg.AttemptTimeout = 200 * time.Millisecond
	rc, err := NewRedisCache(cfg)
	require.NoError(t, err)
	defer rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = rc.Get(ctx, "k")
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "get", cacheErr.Op)
	assert.Equal(t, "portare:k", cacheErr.Key)
}
