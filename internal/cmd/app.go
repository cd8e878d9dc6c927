package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/catalog"
	"github.com/florasync/florasync/internal/core/deltasync"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/core/gate"
	"github.com/florasync/florasync/internal/core/protection"
	"github.com/florasync/florasync/internal/core/store"
	"github.com/florasync/florasync/internal/notify"
	"github.com/florasync/florasync/internal/observability"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

// app holds the wired engine. Commands build one per invocation and close it
// on exit.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	store   *store.Store
	redis   *store.RedisStore
	windows *engine.MemoryWindowStore

	notifier   notify.Notifier
	webhook    *notify.WebhookNotifier
	limiter    *engine.RateLimiter
	breaker    *engine.CircuitBreaker
	catalog    *catalog.Client
	importer   *engine.Importer
	deltaSync  *deltasync.Service
	protection *protection.Service
}

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openStoreWith(ctx, cfg.Store)
}

func openStoreWith(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildApp opens the store (and Redis when configured) and wires every
// service from cfg. The catalog client is optional: without a base URL the
// importer is left nil.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: observability.Resolve(logger)}

	db, err := openStoreWith(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = db

	if cfg.Redis.Enabled() {
		rs, err := store.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rs
	}

	a.notifier, a.webhook = buildNotifier(cfg.Notify, a.logger)

	a.limiter, a.windows = buildLimiter(cfg, a.store, a.redis, a.logger)

	a.breaker = engine.NewCircuitBreaker(engine.BreakerConfig{
		Name:      cfg.Catalog.Provider,
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
		Logger:    a.logger,
		OnStateChange: func(name string, from, to gate.Phase) {
			if to != gate.PhaseOpen {
				return
			}
			alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.notifier.Notify(alertCtx, core.Alert{
				Kind:     core.AlertBreakerOpened,
				Severity: core.SeverityHigh,
				Subject:  name,
				Message:  fmt.Sprintf("circuit breaker %s opened after repeated failures", name),
				Fields:   map[string]any{"from": string(from), "cooldown": cfg.Breaker.Cooldown.String()},
				At:       time.Now().UTC(),
			})
		},
	})

	if strings.TrimSpace(cfg.Catalog.BaseURL) != "" {
		client, err := catalog.New(catalog.Config{
			Provider:          cfg.Catalog.Provider,
			BaseURL:           cfg.Catalog.BaseURL,
			APIKey:            cfg.Catalog.APIKey,
			Timeout:           cfg.Catalog.Timeout,
			UserAgent:         cfg.Catalog.UserAgent,
			RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
			Burst:             cfg.Catalog.Burst,
			Limiter:           a.limiter,
			Breaker:           a.breaker,
			Logger:            a.logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.catalog = client
		a.importer = a.buildImporter()
	}

	a.deltaSync = &deltasync.Service{
		Store:            a.store,
		Collections:      cfg.DeltaSync.Collections,
		MaxPerCollection: cfg.DeltaSync.MaxPerCollection,
		Logger:           a.logger,
	}

	a.protection, err = protection.New(a.store.Lockouts(), a.store, protection.Config{
		MaxAttempts:     cfg.Protection.MaxAttempts,
		LockoutDuration: cfg.Protection.LockoutDuration,
		FailureWindow:   cfg.Protection.FailureWindow,
	}, protection.WithAlerter(a.notifier), protection.WithLogger(a.logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) buildImporter() *engine.Importer {
	var lock engine.RunLock = engine.NewLocalRunLock()
	if a.redis != nil {
		lock = a.redis.RunLock(a.cfg.Importer.LockTTL)
	}
	ic := a.cfg.Importer
	return &engine.Importer{
		Source:  a.catalog,
		Content: a.store,
		Cursors: a.store,
		Lock:    lock,
		Alerts:  a.notifier,
		Config: engine.ImporterConfig{
			Collection:        ic.Collection,
			PageSize:          ic.PageSize,
			MaxItemsPerRun:    ic.MaxItemsPerRun,
			MaxPageAttempts:   ic.MaxPageAttempts,
			MaxFailedPages:    ic.MaxFailedPages,
			RetryBaseDelay:    ic.RetryBaseDelay,
			RetryMaxDelay:     ic.RetryMaxDelay,
			RunTimeout:        ic.RunTimeout,
			EnrichmentVersion: ic.EnrichmentVersion,
			FetchDetails:      ic.FetchDetails,
		},
		Logger: a.logger,
	}
}

func buildNotifier(cfg config.NotifyConfig, logger *logging.Logger) (notify.Notifier, *notify.WebhookNotifier) {
	sinks := notify.Multi{notify.LogNotifier{Logger: logger}}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return sinks, nil
	}
	threshold := cfg.BreakerThreshold
	if threshold < 0 {
		threshold = 0
	}
	webhook, err := notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:              cfg.WebhookURL,
		Timeout:          cfg.Timeout,
		BreakerThreshold: uint32(threshold),
		BreakerCooldown:  cfg.BreakerCooldown,
		Logger:           logger,
	})
	if err != nil {
		logger.Warn("Webhook notifications disabled", zap.Error(err))
		return sinks, nil
	}
	return append(sinks, webhook), webhook
}

// buildLimiter selects the window backend. The memory store is returned so
// serve can sweep it.
func buildLimiter(cfg *config.Config, db *store.Store, rs *store.RedisStore, logger *logging.Logger) (*engine.RateLimiter, *engine.MemoryWindowStore) {
	limiter := &engine.RateLimiter{Logger: logger}
	var windows *engine.MemoryWindowStore

	switch cfg.RateLimitBackend {
	case "redis":
		limiter.Store = rs
	case "store":
		limiter.Store = db
	default:
		windows = engine.NewMemoryWindowStore()
		limiter.Store = windows
	}

	limiter.ApplyOverrides(rateLimitOverrides(cfg.RateLimits))
	limiter.ApplySafetyMargin(cfg.RateLimitMargin)
	return limiter, windows
}

func rateLimitOverrides(raw map[string]config.RateLimitConfig) map[engine.LimitClass]engine.RateLimit {
	out := make(map[engine.LimitClass]engine.RateLimit, len(raw))
	for name, limit := range raw {
		class, ok := engine.ParseLimitClass(name)
		if !ok {
			continue
		}
		out[class] = engine.RateLimit{RequestsPerWindow: limit.Requests, WindowDuration: limit.Window}
	}
	return out
}

// adminCredentials merges the single admin and service tokens with the
// token list.
func adminCredentials(cfg config.AdminConfig) []servermw.Credential {
	var creds []servermw.Credential
	if token := strings.TrimSpace(cfg.Token); token != "" {
		creds = append(creds, servermw.Credential{
			Token:     token,
			Principal: servermw.Principal{Subject: "admin", Role: servermw.RoleAdmin},
		})
	}
	if token := strings.TrimSpace(cfg.ServiceToken); token != "" {
		creds = append(creds, servermw.Credential{
			Token:     token,
			Principal: servermw.Principal{Subject: "auth-service", Role: servermw.RoleService},
		})
	}
	for _, tok := range cfg.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			continue
		}
		subject := tok.Subject
		if subject == "" {
			subject = tok.Role
		}
		creds = append(creds, servermw.Credential{
			Token:     tok.Token,
			Principal: servermw.Principal{Subject: subject, Role: tok.Role},
		})
	}
	return creds
}

func (a *app) requireImporter() (*engine.Importer, error) {
	if a.importer == nil {
		return nil, errors.New("catalog.base_url is not configured")
	}
	return a.importer, nil
}

// Close releases the store and Redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Redis close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", zap.Error(err))
		}
	}
}

// loadApp loads config and wires the engine for a CLI command.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx, runtimeOverrides())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(ctx, cfg, observability.CLILogger)
}
