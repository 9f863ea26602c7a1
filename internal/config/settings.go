package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete gateway configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string
	Version     string
	Environment string // development, test, production
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	BodyLimit       int64
}

// DatabaseConfig holds connection pool settings
type DatabaseConfig struct {
	URL               string
	User              string
	Password          string
	Host              string
	Port              int
	Name              string
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	ProbeTimeout      time.Duration
}

// RedisConfig holds cache client settings
type RedisConfig struct {
	URL string
}

// CORSConfig holds the CORS allow-list
type CORSConfig struct {
	AllowedOrigins []string
}

// AuthConfig holds bearer verification settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// RateLimitConfig selects the rate limit window store
type RateLimitConfig struct {
	Store string // memory or redis
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// TelemetryConfig toggles metrics and tracing
type TelemetryConfig struct {
	MetricsEnabled bool
	TracingEnabled bool
}

// LoadConfig loads configuration from a .env file (if present) and the environment.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	// Load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	if logger == nil {
		logger = slog.Default()
	}

	config := &Config{}

	loadAppConfig(&config.App, logger)

	if err := loadServerConfig(&config.Server, logger); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if err := loadDatabaseConfig(&config.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}

	loadRedisConfig(&config.Redis, logger)
	loadCORSConfig(&config.CORS, logger)
	loadAuthConfig(&config.Auth, logger)
	loadRateLimitConfig(&config.RateLimit)
	loadLogConfig(&config.Log)
	loadTelemetryConfig(&config.Telemetry)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"environment", config.App.Environment,
		"version", config.App.Version,
		"addr", config.Server.Addr(),
	)

	return config, nil
}

func loadAppConfig(cfg *AppConfig, logger *slog.Logger) {
	cfg.Name = "PORTARE-AREU API"
	cfg.Version = getEnv("VERSION", "v1")

	env := os.Getenv("NODE_ENV")
	if env == "" {
		env = os.Getenv("APP_ENV")
	}
	if env == "" {
		env = "development"
		logger.Debug("NODE_ENV not set, using default", "default", env)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(env))
}

func loadServerConfig(cfg *ServerConfig, logger *slog.Logger) error {
	cfg.Host = getEnv("HOST", "localhost")

	port, err := strconv.Atoi(getEnv("PORT", "3000"))
	if err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.Port = port

	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.BodyLimit = int64(getEnvAsInt("BODY_LIMIT", 10<<20))

	logger.Debug("server config loaded", "host", cfg.Host, "port", cfg.Port)
	return nil
}

func loadDatabaseConfig(cfg *DatabaseConfig, logger *slog.Logger) error {
	cfg.User = getEnv("DB_USER", "postgres")
	cfg.Password = getEnv("DB_PASSWORD", "password")
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.Name = getEnv("DB_NAME", "portare_areu")

	cfg.URL = os.Getenv("DATABASE_URL")
	if cfg.URL == "" {
		cfg.URL = cfg.connString()
	}

	// Pool settings with defaults
	cfg.MaxConns = getEnvAsInt32("DB_MAX_CONNS", 10)
	cfg.MinConns = getEnvAsInt32("DB_MIN_CONNS", 0)
	cfg.HealthCheckPeriod = getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", time.Minute)
	cfg.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", time.Hour)
	cfg.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute)
	cfg.ProbeTimeout = getEnvAsDuration("DB_PROBE_TIMEOUT", 10*time.Second)

	if cfg.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", cfg.MaxConns)
	}

	logger.Debug("database config loaded",
		"host", cfg.Host,
		"database", cfg.Name,
		"max_conns", cfg.MaxConns,
	)
	return nil
}

// connString builds a postgres URL from the discrete DB_* settings.
func (d DatabaseConfig) connString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	return u.String()
}

func loadRedisConfig(cfg *RedisConfig, logger *slog.Logger) {
	cfg.URL = getEnv("REDIS_URL", "redis://localhost:6379")
	logger.Debug("redis config loaded")
}

func loadCORSConfig(cfg *CORSConfig, logger *slog.Logger) {
	cfg.AllowedOrigins = splitAndTrim(getEnv("CORS_ORIGIN", "http://localhost:3001"), ",")
	logger.Debug("CORS config loaded", "origins_count", len(cfg.AllowedOrigins))
}

func loadAuthConfig(cfg *AuthConfig, logger *slog.Logger) {
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Issuer = os.Getenv("JWT_ISSUER")
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, protected routes will reject every request")
	}
}

func loadRateLimitConfig(cfg *RateLimitConfig) {
	cfg.Store = strings.ToLower(getEnv("RATE_LIMIT_STORE", "memory"))
}

func loadLogConfig(cfg *LogConfig) {
	cfg.Level = os.Getenv("LOG_LEVEL")
	cfg.File = os.Getenv("LOG_FILE")
	cfg.MaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", 100)
	cfg.MaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", 3)
	cfg.MaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", 28)
}

func loadTelemetryConfig(cfg *TelemetryConfig) {
	cfg.MetricsEnabled = getEnvAsBool("METRICS_ENABLED", true)
	cfg.TracingEnabled = getEnvAsBool("TRACING_ENABLED", false)
}

// Helper functions

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsInt32(key string, defaultVal int32) int32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 32); err == nil {
			return int32(parsed)
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func splitAndTrim(s, sep string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Addr returns the host:port the listener binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// ExposeErrorDetail reports whether error responses and logs may carry
// diagnostic detail. Every mode other than development hides it.
func (c *Config) ExposeErrorDetail() bool {
	return c.IsDevelopment()
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	switch c.App.Environment {
	case "development", "test", "staging", "production":
	default:
		return fmt.Errorf("unknown environment %q", c.App.Environment)
	}
	switch c.RateLimit.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
