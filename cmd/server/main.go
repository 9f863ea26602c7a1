package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"portare_gateway/internal/auth"
	"portare_gateway/internal/cache"
	"portare_gateway/internal/config"
	"portare_gateway/internal/database"
	"portare_gateway/internal/fault"
	"portare_gateway/internal/middlewares"
	"portare_gateway/internal/observability"
	"portare_gateway/internal/router"
	"portare_gateway/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "portare-gateway",
		Short:         "PORTARE-AREU API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check the database is reachable and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog()

			pool, err := newPool(cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := server.Probe(cmd.Context(), pool, cfg.Database.ProbeTimeout); err != nil {
				return err
			}
			logger.Info("database reachable")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the API version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.App.Name, cfg.App.Version)
			return nil
		},
	}
}

func bootstrap() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(slog.Default())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog := observability.NewLogger(observability.LogConfig{
		Level:      cfg.Log.Level,
		JSON:       cfg.IsProduction(),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	slog.SetDefault(logger)

	return cfg, logger, closeLog, nil
}

func newPool(cfg *config.Config, logger *slog.Logger) (*database.PgPool, error) {
	dbConfig := database.DefaultConfig(cfg.Database.URL)
	dbConfig.Logger = logger
	dbConfig.MaxConns = cfg.Database.MaxConns
	dbConfig.MinConns = cfg.Database.MinConns
	dbConfig.HealthCheckPeriod = cfg.Database.HealthCheckPeriod
	dbConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	dbConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	return database.NewPool(dbConfig)
}

func runServer() error {
	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("starting gateway",
		"service", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var metrics *observability.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metricsConfig := observability.DefaultMetricsConfig()
		metricsConfig.Logger = logger
		metrics = observability.NewMetrics(metricsConfig)
	}

	if cfg.Telemetry.TracingEnabled {
		shutdownTracer, err := observability.InitTracer("portare-gateway", cfg.App.Version, nil, logger)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	var verifier auth.Verifier = auth.DenyAll
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		verifier = v
	}

	serverConfig := server.DefaultConfig(cfg.Server.Addr())
	if cfg.IsProduction() {
		serverConfig = server.ProductionConfig(cfg.Server.Addr())
	}
	serverConfig.ProbeTimeout = cfg.Database.ProbeTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout

	app, err := server.NewApp(&server.AppConfig{
		Server:      serverConfig,
		Logger:      logger,
		Environment: cfg.App.Environment,
		Metrics:     metrics,
		NewPool: func() (database.Pool, error) {
			pool, err := newPool(cfg, logger)
			if err != nil {
				return nil, err
			}
			if metrics != nil {
				metrics.RegisterPool(pool)
			}
			return pool, nil
		},
		NewCache: func() (server.Cache, error) {
			redisConfig := cache.DefaultRedisConfig(cfg.Redis.URL)
			redisConfig.Logger = logger
			if metrics != nil {
				redisConfig.OnStateChange = func(s cache.State) { metrics.SetCacheState(int(s)) }
			}
			return cache.NewRedisCache(redisConfig)
		},
		Handler: func(res *middlewares.Resources) (http.Handler, error) {
			globalStore, authStore := rateLimitStores(cfg, res, logger)

			checks := map[string]observability.HealthCheck{
				"database": observability.PingCheck(res.Pool.Ping),
			}
			if res.Cache != nil {
				checks["cache"] = cacheCheck(res.Cache)
			}

			return router.New(&router.Config{
				Logger:            logger,
				Production:        cfg.IsProduction(),
				ExposeErrorDetail: cfg.ExposeErrorDetail(),
				Service:           cfg.App.Name,
				Version:           cfg.App.Version,
				Resources:         res,
				Verifier:          verifier,
				CORSOrigins:       cfg.CORS.AllowedOrigins,
				BodyLimit:         cfg.Server.BodyLimit,
				GlobalLimiter:     middlewares.GlobalRateLimitConfig(globalStore),
				AuthLimiter:       middlewares.AuthRateLimitConfig(authStore),
				Metrics:           metrics,
				ReadinessChecks:   checks,
				Tracing:           cfg.Telemetry.TracingEnabled,
			})
		},
	})
	if err != nil {
		return err
	}

	code := app.Run(context.Background())
	if code != server.ExitOK {
		closeLog()
		fault.Exit(code)
	}
	return nil
}

// rateLimitStores picks the window stores for both limiters. The redis store
// needs the cache; without one the limiters count in memory.
func rateLimitStores(cfg *config.Config, res *middlewares.Resources, logger *slog.Logger) (middlewares.WindowStore, middlewares.WindowStore) {
	if cfg.RateLimit.Store == "redis" {
		if res.Cache != nil {
			store := middlewares.NewCacheWindowStore(res.Cache, "ratelimit:")
			return store, store
		}
		logger.Warn("RATE_LIMIT_STORE=redis but no cache is available, counting in memory")
	}
	return middlewares.NewMemoryWindowStore(time.Minute), middlewares.NewMemoryWindowStore(time.Minute)
}

// cacheCheck reports any state other than Connected as degraded.
func cacheCheck(c cache.Cache) observability.HealthCheck {
	return func(ctx context.Context) (observability.HealthStatus, string, error) {
		switch s := c.State(); s {
		case cache.Connected:
			return observability.StatusHealthy, s.String(), nil
		default:
			return observability.StatusDegraded, s.String(), nil
		}
	}
}
