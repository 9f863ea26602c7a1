package server

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds HTTP server configuration
type Config struct {
	// Server address (host:port)
	Addr string

	// Logger for structured logging
	Logger *slog.Logger

	// ReadHeaderTimeout is the maximum duration for reading request headers
	ReadHeaderTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration

	// MaxHeaderBytes controls the maximum number of bytes the server will read parsing the request header
	MaxHeaderBytes int

	// ProbeTimeout bounds the startup database probe
	ProbeTimeout time.Duration

	// ShutdownTimeout is the deadline for the drain, counted from signal receipt
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
// No read or write timeout is set: requests are only bounded by the
// shutdown deadline.
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		ProbeTimeout:      10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// ProductionConfig returns a production-optimized server configuration
func ProductionConfig(addr string) *Config {
	config := DefaultConfig(addr)
	config.IdleTimeout = 120 * time.Second
	return config
}

// New creates a new HTTP server with the given configuration
func New(handler http.Handler, config *Config) *http.Server {
	if config == nil {
		config = DefaultConfig(":3000")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	logger.Debug("http server configured",
		"addr", config.Addr,
		"read_header_timeout", config.ReadHeaderTimeout.String(),
		"idle_timeout", config.IdleTimeout.String(),
	)

	return server
}
