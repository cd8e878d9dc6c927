package server

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core/engine"
	apperrors "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/server/handlers"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	health := s.opts.Health
	if health == nil {
		health = handlers.NewHealthManager(handlers.AppVersion)
	}
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)
	s.router.Get("/health/startup", health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler(s.opts.MetricsPort))

	if s.opts.Limiter == nil {
		s.logger().Warn("No rate limiter configured; /sync and /admin routes disabled")
		return
	}

	clientKey := servermw.ClientKeys(s.opts.APIKeys, s.opts.TrustProxyHeaders)
	s.router.Group(func(r chi.Router) {
		r.Use(servermw.RateLimit(s.opts.Limiter, engine.ClassGeneral, clientKey, denyThrottled))

		if s.opts.DeltaSync != nil {
			r.Post("/sync", handlers.SyncHandler(s.opts.DeltaSync))
		}

		s.registerAdminRoutes(r)
		s.registerAuthRoutes(r)
	})
}

func (s *Server) registerAdminRoutes(r chi.Router) {
	admin := s.opts.Admin
	if admin == nil {
		return
	}
	if len(s.opts.Credentials) == 0 {
		s.logger().Warn("Admin routes disabled (no admin tokens configured)")
		return
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(servermw.AdminAuth(s.opts.Credentials, denyAuth))
		r.Use(servermw.RequireAnyRole(denyAuth, servermw.RoleAdmin, servermw.RoleOperator))

		r.Get("/sync-status", admin.SyncStatus)
		r.Post("/sync-trigger", admin.SyncTrigger)

		r.Group(func(r chi.Router) {
			r.Use(servermw.RequireRole(servermw.RoleAdmin, denyAuth))
			r.Get("/locked-accounts", admin.LockedAccounts)
			r.Post("/account-lockout", admin.AccountLockout)
			r.Get("/security-events", admin.SecurityEvents)
		})
	})

	s.logger().Info("Admin routes enabled",
		zap.Int("tokens", len(s.opts.Credentials)),
		zap.String("auth", "bearer token"))
}

// registerAuthRoutes exposes login-attempt reporting to service principals.
func (s *Server) registerAuthRoutes(r chi.Router) {
	attempts := s.opts.Attempts
	if attempts == nil {
		return
	}
	if !slices.ContainsFunc(s.opts.Credentials, func(c servermw.Credential) bool {
		return c.Role == servermw.RoleService && c.Token != ""
	}) {
		s.logger().Warn("Login attempt route disabled (no service token configured)")
		return
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(servermw.AdminAuth(s.opts.Credentials, denyAuth))
		r.Use(servermw.RequireRole(servermw.RoleService, denyAuth))
		r.Post("/attempts", attempts.Record)
	})
}

func denyThrottled(w http.ResponseWriter, r *http.Request, decision engine.Decision) {
	envelope := apperrors.NewThrottledError("rate limit exceeded").
		WithDetails(map[string]interface{}{
			"limit":    decision.Limit,
			"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
			"reset":    strconv.FormatInt(decision.ResetAt.Unix(), 10),
		})
	HandleError(w, r, envelope)
}

func denyAuth(w http.ResponseWriter, r *http.Request, forbidden bool, message string) {
	if forbidden {
		HandleError(w, r, apperrors.NewForbiddenError(message))
		return
	}
	HandleError(w, r, apperrors.NewUnauthorizedError(message))
}
