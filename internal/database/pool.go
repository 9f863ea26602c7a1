package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the shared connection pool handed to every request.
// Implementations are safe for concurrent use.
type Pool interface {
	// Acquire borrows a connection. Callers must Release it; when the pool is
	// exhausted Acquire waits until one frees or ctx is done.
	Acquire(ctx context.Context) (*pgxpool.Conn, error)

	// Probe acquires a connection, runs a liveness query and releases it.
	Probe(ctx context.Context) error

	// Ping checks that a connection can be established.
	Ping(ctx context.Context) error

	// Stats returns a snapshot of pool usage.
	Stats() Stats

	// Close closes every connection. In-use connections are closed when released.
	Close()
}

// Config holds database connection configuration
type Config struct {
	// URL is the PostgreSQL connection string
	URL string

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// MaxConns is the maximum number of connections in the pool.
	// Callers beyond that count wait in Acquire until a connection frees.
	MaxConns int32

	// MinConns is the minimum number of connections kept open
	MinConns int32

	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// ConnectTimeout bounds establishing a single connection
	ConnectTimeout time.Duration
}

// DefaultConfig returns a default database configuration
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		MaxConns:          10,
		MinConns:          0,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

// PgPool wraps a pgxpool.Pool.
type PgPool struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPool creates the connection pool. Connections are opened lazily, so a
// reachable database is only confirmed by Probe.
func NewPool(config *Config) (*PgPool, error) {
	if config == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	if config.URL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = config.HealthCheckPeriod

	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	logger.Debug("database pool created",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", config.MaxConns,
	)

	return &PgPool{pool: pool, logger: logger}, nil
}

// Probe runs SELECT NOW() on a freshly acquired connection.
func (p *PgPool) Probe(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var now time.Time
	if err := conn.QueryRow(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return fmt.Errorf("liveness query: %w", err)
	}

	p.logger.Debug("database probe succeeded", "server_time", now)
	return nil
}

// Acquire borrows a connection; callers must Release it.
func (p *PgPool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return p.pool.Acquire(ctx)
}

// Ping checks the database is reachable
func (p *PgPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Raw exposes the underlying pool to domain handlers.
func (p *PgPool) Raw() *pgxpool.Pool {
	return p.pool
}

// Stats retrieves current pool statistics
func (p *PgPool) Stats() Stats {
	stat := p.pool.Stat()
	return Stats{
		AcquireCount:         stat.AcquireCount(),
		AcquireDuration:      stat.AcquireDuration(),
		AcquiredConns:        stat.AcquiredConns(),
		CanceledAcquireCount: stat.CanceledAcquireCount(),
		IdleConns:            stat.IdleConns(),
		MaxConns:             stat.MaxConns(),
		TotalConns:           stat.TotalConns(),
	}
}

// Close closes the pool
func (p *PgPool) Close() {
	p.pool.Close()
}

// Stats represents database connection pool statistics
type Stats struct {
	AcquireCount         int64         `json:"acquire_count"`
	AcquireDuration      time.Duration `json:"acquire_duration"`
	AcquiredConns        int32         `json:"acquired_conns"`
	CanceledAcquireCount int64         `json:"canceled_acquire_count"`
	IdleConns            int32         `json:"idle_conns"`
	MaxConns             int32         `json:"max_conns"`
	TotalConns           int32         `json:"total_conns"`
}
