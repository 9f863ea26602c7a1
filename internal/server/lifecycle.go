package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"portare_gateway/internal/cache"
	"portare_gateway/internal/database"
	"portare_gateway/internal/fault"
	"portare_gateway/internal/middlewares"
	"portare_gateway/internal/observability"
)

// State is the process lifecycle state. It only moves forward.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Exit codes returned by Run
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Cache is the cache client owned by the lifecycle. Connect starts its
// background connection loop and must not block.
type Cache interface {
	cache.Cache
	Connect(ctx context.Context)
}

// AppConfig wires the lifecycle to its resources. The factories are
// injected so the startup and drain sequence can run against fakes.
type AppConfig struct {
	Server *Config
	Logger *slog.Logger

	Environment string

	// NewPool builds the connection pool. It must not connect.
	NewPool func() (database.Pool, error)

	// NewCache builds the cache client. A failure is logged and the gateway
	// runs without a cache.
	NewCache func() (Cache, error)

	// Handler builds the request pipeline around the shared resources
	Handler func(res *middlewares.Resources) (http.Handler, error)

	// Listen defaults to net.Listen
	Listen func(network, address string) (net.Listener, error)

	// Signals defaults to SIGINT and SIGTERM delivered by os/signal
	Signals <-chan os.Signal

	// Metrics receives lifecycle state changes (optional)
	Metrics *observability.Metrics
}

// App runs the gateway from startup probe to drained shutdown.
type App struct {
	config *AppConfig
	logger *slog.Logger
	state  atomic.Int32
}

// NewApp validates the configuration and returns an App in the Starting state.
func NewApp(config *AppConfig) (*App, error) {
	if config == nil {
		return nil, errors.New("app config cannot be nil")
	}
	if config.NewPool == nil {
		return nil, errors.New("pool factory is required")
	}
	if config.Handler == nil {
		return nil, errors.New("handler factory is required")
	}
	if config.Server == nil {
		config.Server = DefaultConfig(":3000")
	}
	if config.Server.ProbeTimeout <= 0 {
		config.Server.ProbeTimeout = 10 * time.Second
	}
	if config.Server.ShutdownTimeout <= 0 {
		config.Server.ShutdownTimeout = 30 * time.Second
	}
	if config.Listen == nil {
		config.Listen = net.Listen
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Server.Logger = logger

	app := &App{config: config, logger: logger}
	app.publish(Starting)
	return app, nil
}

// State reports the current lifecycle state
func (a *App) State() State {
	return State(a.state.Load())
}

func (a *App) transition(from, to State) bool {
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		a.logger.Warn("invalid lifecycle transition",
			"from", from.String(),
			"to", to.String(),
			"current", a.State().String(),
		)
		return false
	}
	a.publish(to)
	a.logger.Debug("lifecycle state changed", "from", from.String(), "to", to.String())
	return true
}

func (a *App) publish(s State) {
	if a.config.Metrics != nil {
		a.config.Metrics.SetLifecycleState(int(s))
	}
}

// Probe acquires a connection from pool and runs the liveness query under
// timeout.
func Probe(ctx context.Context, pool database.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Probe(ctx); err != nil {
		return fmt.Errorf("database probe: %w", err)
	}
	return nil
}

// Run starts the gateway and blocks until it has stopped. It returns the
// process exit code: 0 after a completed drain, 1 on a startup failure, a
// listener failure or a drain that missed the deadline.
func (a *App) Run(ctx context.Context) int {
	if a.State() != Starting {
		a.logger.Error("app already started", "state", a.State().String())
		return ExitFailure
	}

	pool, err := a.config.NewPool()
	if err != nil {
		a.logger.Error("failed to create database pool", "error", err)
		return ExitFailure
	}

	if err := Probe(ctx, pool, a.config.Server.ProbeTimeout); err != nil {
		a.logger.Error("database connection failed", "error", err)
		pool.Close()
		return ExitFailure
	}
	a.logger.Info("database connected")

	var cacheClient Cache
	if a.config.NewCache != nil {
		c, err := a.config.NewCache()
		if err != nil {
			a.logger.Warn("cache unavailable, continuing without it", "error", err)
		} else {
			cacheClient = c
			cacheClient.Connect(context.WithoutCancel(ctx))
		}
	}

	resources := &middlewares.Resources{Pool: pool}
	cleanup := []Resource{Once(NewDatabaseResource("database", pool, a.logger))}
	if cacheClient != nil {
		resources.Cache = cacheClient
		cleanup = append(cleanup, Once(NewCacheResource("cache", cacheClient)))
	}

	handler, err := a.config.Handler(resources)
	if err != nil {
		a.logger.Error("failed to build request pipeline", "error", err)
		closeAll(context.Background(), cleanup, a.logger)
		return ExitFailure
	}

	ln, err := a.config.Listen("tcp", a.config.Server.Addr)
	if err != nil {
		a.logger.Error("failed to listen", "addr", a.config.Server.Addr, "error", err)
		closeAll(context.Background(), cleanup, a.logger)
		return ExitFailure
	}

	srv := New(handler, a.config.Server)
	if !a.transition(Starting, Running) {
		ln.Close()
		closeAll(context.Background(), cleanup, a.logger)
		return ExitFailure
	}
	a.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"environment", a.config.Environment,
	)

	signals := a.config.Signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	serveErr := make(chan error, 1)
	fault.Go(a.logger, "http serve loop", func() {
		serveErr <- srv.Serve(ln)
	})

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("listener failed", "error", err)
			return ExitFailure
		}
	case sig := <-signals:
		a.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("shutdown requested", "reason", ctx.Err())
	}

	drain := append([]Resource{Once(NewHTTPServerResource("http-server", srv))}, cleanup...)
	return a.drain(drain)
}

// drain closes the listener, then each resource, racing the whole sequence
// against the shutdown deadline.
func (a *App) drain(resources []Resource) int {
	if !a.transition(Running, Draining) {
		return ExitFailure
	}

	timeout := a.config.Server.ShutdownTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.logger.Info("draining", "timeout", timeout.String(), "resources", len(resources))

	done := make(chan int, 1)
	fault.Go(a.logger, "drain", func() {
		done <- closeAll(ctx, resources, a.logger)
	})

	select {
	case failed := <-done:
		a.transition(Draining, Stopped)
		a.logger.Info("shutdown complete", "failed_resources", failed)
		return ExitOK
	case <-timer.C:
		a.logger.Error("shutdown deadline exceeded, forcing exit", "timeout", timeout.String())
		return ExitFailure
	}
}
