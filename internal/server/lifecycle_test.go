package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portare_gateway/internal/cache"
	"portare_gateway/internal/database"
	"portare_gateway/internal/middlewares"
)

type fakePool struct {
	probeErr  error
	closes    atomic.Int32
	closeWait chan struct{}
}

func (p *fakePool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return nil, p.probeErr
}
func (p *fakePool) Probe(ctx context.Context) error { return p.probeErr }
func (p *fakePool) Ping(ctx context.Context) error  { return p.probeErr }
func (p *fakePool) Stats() database.Stats           { return database.Stats{} }
func (p *fakePool) Close() {
	p.closes.Add(1)
	if p.closeWait != nil {
		<-p.closeWait
	}
}

type fakeCache struct {
	connects atomic.Int32
	closes   atomic.Int32
}

func (c *fakeCache) Get(context.Context, string) ([]byte, error) { return nil, cache.ErrNotFound }
func (c *fakeCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (c *fakeCache) Delete(context.Context, string) error { return nil }
func (c *fakeCache) IncrementWindow(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 1, time.Now().Add(time.Minute), nil
}
func (c *fakeCache) Decrement(context.Context, string, time.Time) error { return nil }
func (c *fakeCache) Ping(context.Context) error                         { return nil }
func (c *fakeCache) State() cache.State                                 { return cache.Connected }
func (c *fakeCache) Connect(context.Context)                            { c.connects.Add(1) }
func (c *fakeCache) Close() error {
	c.closes.Add(1)
	return nil
}

type harness struct {
	pool    *fakePool
	cache   *fakeCache
	signals chan os.Signal
	listens atomic.Int32
	addr    chan net.Addr
	config  *AppConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool:    &fakePool{},
		cache:   &fakeCache{},
		signals: make(chan os.Signal, 1),
		addr:    make(chan net.Addr, 1),
	}
	serverConfig := DefaultConfig("127.0.0.1:0")
	serverConfig.ShutdownTimeout = 2 * time.Second
	h.config = &AppConfig{
		Server:  serverConfig,
		Logger:  slog.New(slog.DiscardHandler),
		NewPool: func() (database.Pool, error) { return h.pool, nil },
		NewCache: func() (Cache, error) {
			return h.cache, nil
		},
		Handler: func(res *middlewares.Resources) (http.Handler, error) {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), nil
		},
		Listen: func(network, address string) (net.Listener, error) {
			h.listens.Add(1)
			ln, err := net.Listen(network, address)
			if err == nil {
				h.addr <- ln.Addr()
			}
			return ln, err
		},
		Signals: h.signals,
	}
	return h
}

func (h *harness) run(t *testing.T) (*App, <-chan int) {
	t.Helper()
	app, err := NewApp(h.config)
	require.NoError(t, err)
	done := make(chan int, 1)
	go func() { done <- app.Run(context.Background()) }()
	return app, done
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestRun_ProbeFailureExitsBeforeListen(t *testing.T) {
	h := newHarness(t)
	h.pool.probeErr = errors.New("connection refused")

	app, done := h.run(t)

	assert.Equal(t, ExitFailure, waitExit(t, done))
	assert.Equal(t, int32(0), h.listens.Load())
	assert.Equal(t, int32(0), h.cache.connects.Load())
	assert.Equal(t, Starting, app.State())
}

func TestRun_CleanShutdown(t *testing.T) {
	h := newHarness(t)
	app, done := h.run(t)

	addr := <-h.addr
	require.Eventually(t, func() bool { return app.State() == Running }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.signals <- syscall.SIGTERM

	assert.Equal(t, ExitOK, waitExit(t, done))
	assert.Equal(t, Stopped, app.State())
	assert.Equal(t, int32(1), h.pool.closes.Load())
	assert.Equal(t, int32(1), h.cache.closes.Load())
	assert.Equal(t, int32(1), h.cache.connects.Load())

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestRun_InFlightRequestCompletesAcrossSIGTERM(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.config.Handler = func(res *middlewares.Resources) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			w.WriteHeader(http.StatusAccepted)
		}), nil
	}

	app, done := h.run(t)
	addr := <-h.addr
	require.Eventually(t, func() bool { return app.State() == Running }, time.Second, 5*time.Millisecond)

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + addr.String() + "/slow")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-entered

	h.signals <- syscall.SIGTERM
	require.Eventually(t, func() bool { return app.State() == Draining }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, Draining, app.State())

	close(release)

	assert.Equal(t, http.StatusAccepted, <-status)
	assert.Equal(t, ExitOK, waitExit(t, done))
	assert.Equal(t, Stopped, app.State())
}

func TestRun_DrainTimeoutExitsFailure(t *testing.T) {
	h := newHarness(t)
	h.config.Server.ShutdownTimeout = 50 * time.Millisecond
	h.pool.closeWait = make(chan struct{})
	defer close(h.pool.closeWait)

	app, done := h.run(t)
	<-h.addr
	require.Eventually(t, func() bool { return app.State() == Running }, time.Second, 5*time.Millisecond)

	h.signals <- syscall.SIGINT

	assert.Equal(t, ExitFailure, waitExit(t, done))
	assert.Equal(t, Draining, app.State())
}

func TestRun_CacheFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	var gotCache cache.Cache = h.cache
	h.config.NewCache = func() (Cache, error) { return nil, errors.New("bad redis url") }
	h.config.Handler = func(res *middlewares.Resources) (http.Handler, error) {
		gotCache = res.Cache
		return http.NotFoundHandler(), nil
	}

	_, done := h.run(t)
	<-h.addr
	h.signals <- syscall.SIGTERM

	assert.Equal(t, ExitOK, waitExit(t, done))
	assert.Nil(t, gotCache)
	assert.Equal(t, int32(1), h.pool.closes.Load())
}

func TestRun_ListenFailureClosesResources(t *testing.T) {
	h := newHarness(t)
	h.config.Listen = func(network, address string) (net.Listener, error) {
		return nil, errors.New("address already in use")
	}

	_, done := h.run(t)

	assert.Equal(t, ExitFailure, waitExit(t, done))
	assert.Equal(t, int32(1), h.pool.closes.Load())
	assert.Equal(t, int32(1), h.cache.closes.Load())
}

func TestRun_ContextCancelDrains(t *testing.T) {
	h := newHarness(t)
	app, err := NewApp(h.config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- app.Run(ctx) }()

	<-h.addr
	cancel()

	assert.Equal(t, ExitOK, waitExit(t, done))
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	app, done := h.run(t)
	<-h.addr
	require.Eventually(t, func() bool { return app.State() == Running }, time.Second, 5*time.Millisecond)

	assert.Equal(t, ExitFailure, app.Run(context.Background()))

	h.signals <- syscall.SIGTERM
	assert.Equal(t, ExitOK, waitExit(t, done))
}

func TestNewApp_Validation(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)

	_, err = NewApp(&AppConfig{Handler: func(*middlewares.Resources) (http.Handler, error) { return nil, nil }})
	assert.Error(t, err)

	_, err = NewApp(&AppConfig{NewPool: func() (database.Pool, error) { return nil, nil }})
	assert.Error(t, err)
}

type countingResource struct {
	name   string
	err    error
	closes int
	order  *[]string
	mu     sync.Mutex
}

func (r *countingResource) Name() string { return r.name }
func (r *countingResource) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	*r.order = append(*r.order, r.name)
	return r.err
}

func TestCloseAll_OrderedBestEffortOnce(t *testing.T) {
	var order []string
	first := &countingResource{name: "http-server", order: &order}
	second := &countingResource{name: "database", err: errors.New("close failed"), order: &order}
	third := &countingResource{name: "cache", order: &order}

	resources := []Resource{Once(first), Once(second), Once(third)}
	logger := slog.New(slog.DiscardHandler)

	assert.Equal(t, 1, closeAll(context.Background(), resources, logger))
	assert.Equal(t, 1, closeAll(context.Background(), resources, logger))

	assert.Equal(t, []string{"http-server", "database", "cache"}, order)
	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 1, second.closes)
	assert.Equal(t, 1, third.closes)
}

func TestOnce_Idempotent(t *testing.T) {
	var order []string
	r := Once(&countingResource{name: "x", order: &order})
	assert.Same(t, r, Once(r))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
