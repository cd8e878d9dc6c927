package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/core/engine"
	errwrap "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
	"github.com/florasync/florasync/internal/server"
	"github.com/florasync/florasync/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Routes:
  POST /sync                     delta sync for mobile clients
  GET  /admin/sync-status        importer, breaker and limiter state
  POST /admin/sync-trigger       start one import pass (202, report in sync-status)
  GET  /admin/locked-accounts    accounts currently locked
  POST /admin/account-lockout    {"email", "action": "unlock"}
  GET  /admin/security-events    security audit trail
  POST /auth/attempts            {"email", "ip", "success"} from the auth backend

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read config and report changes (restart to apply)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := config.Load(ctx, runtimeOverrides())
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "config load failed")
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return errwrap.WrapInternal(ctx, err, "engine initialization failed")
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("rate_limit_backend", cfg.RateLimitBackend),
			zap.Bool("redis", a.redis != nil),
			zap.Bool("importer", a.importer != nil))

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", handlers.CheckFunc(a.store.Ping))
		if a.redis != nil {
			hm.RegisterChecker("redis", handlers.CheckFunc(a.redis.Ping))
		}
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		opts := server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			MetricsPort:  cfg.Metrics.Port,

			TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
			APIKeys:           cfg.Server.APIKeys,

			Limiter:     a.limiter,
			DeltaSync:   a.deltaSync,
			Attempts:    &handlers.LoginAttempts{Recorder: a.protection, Logger: logger},
			Credentials: adminCredentials(cfg.Admin),
			Health:      hm,
			Logger:      logger,
		}
		if a.importer != nil {
			opts.Admin = &handlers.Admin{
				Importer:   a.importer,
				Cursors:    a.store,
				Breaker:    a.breaker,
				Limiter:    a.limiter,
				Accounts:   a.protection,
				Collection: cfg.Importer.Collection,
				Provider:   a.catalog.Provider(),
				RunTimeout: cfg.Importer.RunTimeout,
				Logger:     logger,
			}
		} else {
			logger.Warn("catalog.base_url not set; admin routes disabled")
		}
		srv := server.New(opts)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Handlers run LIFO: last registered, first executed.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			a.Close()
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			cancel()
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, stop := context.WithTimeout(ctx, shutdownTimeout)
			defer stop()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			if opts.Admin != nil {
				if err := opts.Admin.Wait(shutdownCtx); err != nil {
					logger.Warn("Triggered import still running at shutdown", zap.Error(err))
				}
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-reading configuration")
			next, err := config.Load(ctx, runtimeOverrides())
			if err != nil {
				logger.Error("Config reload failed",
					zap.String("file", config.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if next.RateLimitBackend != cfg.RateLimitBackend || next.Redis.URL != cfg.Redis.URL {
				logger.Warn("Storage backends changed; restart to apply")
			}
			logger.Info("Configuration re-read", zap.String("file", config.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		startMaintenance(ctx, a)

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

// startMaintenance runs the periodic jobs (uptime gauge, lockout cleanup,
// memory window sweeping, scheduled imports). All stop when ctx ends.
func startMaintenance(ctx context.Context, a *app) {
	logger := a.logger

	if a.cfg.Metrics.Enabled {
		started := time.Now()
		go every(ctx, 15*time.Second, func() {
			metrics.SetServerUptime(int64(time.Since(started).Seconds()))
		})
	}

	if interval := a.cfg.Protection.CleanupInterval; interval > 0 {
		retention := a.cfg.Protection.Retention
		go every(ctx, interval, func() {
			removed, err := a.protection.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("Lockout cleanup failed", zap.Error(err))
				return
			}
			if removed > 0 {
				logger.Info("Expired lockouts removed", zap.Int64("removed", removed))
			}
		})
	}

	if a.windows != nil {
		go every(ctx, time.Minute, func() {
			if swept := a.windows.Sweep(time.Now().UTC()); swept > 0 {
				logger.Debug("Rate limit windows swept", zap.Int("swept", swept), zap.Int("live", a.windows.Len()))
			}
		})
	}

	if a.importer != nil && a.cfg.Importer.Interval > 0 {
		go every(ctx, a.cfg.Importer.Interval, func() {
			report, err := a.importer.Run(ctx)
			if err != nil {
				logger.Error("Scheduled import failed", zap.Error(err))
				return
			}
			if report.Status == engine.RunAlreadyRunning {
				logger.Debug("Scheduled import skipped; run in progress")
			}
		})
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
