package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/engine"
	apperrors "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

// ImportRunner runs the progressive importer.
type ImportRunner interface {
	Run(ctx context.Context) (*engine.RunReport, error)
	LastReport() *engine.RunReport
}

// CursorReader loads importer progress.
type CursorReader interface {
	GetCursor(ctx context.Context, collection, provider string) (*core.SyncCursor, error)
}

// BreakerReader exposes breaker state.
type BreakerReader interface {
	Snapshot(ctx context.Context) (engine.BreakerSnapshot, error)
}

// LimiterStats exposes limiter counters.
type LimiterStats interface {
	Stats() map[engine.LimitClass]engine.ClassStats
}

// AccountGuard is the account protection surface used by admin routes.
type AccountGuard interface {
	LockedAccounts(ctx context.Context) ([]core.LockoutRecord, error)
	Unlock(ctx context.Context, accountKey, adminID string) (*core.LockoutRecord, error)
	Events(ctx context.Context, filter core.SecurityEventFilter) ([]core.SecurityEvent, error)
}

// Admin serves the /admin routes.
type Admin struct {
	Importer   ImportRunner
	Cursors    CursorReader
	Breaker    BreakerReader
	Limiter    LimiterStats
	Accounts   AccountGuard
	Collection string
	Provider   string
	// RunTimeout bounds a triggered run. Zero uses the importer default.
	RunTimeout time.Duration
	Logger     *logging.Logger

	triggered atomic.Bool
	runs      sync.WaitGroup
}

// SyncStatusResponse is the body of GET /admin/sync-status.
type SyncStatusResponse struct {
	Collection string                                  `json:"collection"`
	Provider   string                                  `json:"provider"`
	Cursor     *core.SyncCursor                        `json:"cursor"`
	Breaker    *engine.BreakerSnapshot                 `json:"circuit_breaker"`
	RateLimits map[engine.LimitClass]engine.ClassStats `json:"rate_limits"`
	LastRun    *engine.RunReport                       `json:"last_run,omitempty"`
	Warnings   []string                                `json:"warnings,omitempty"`
}

// SyncStatus serves GET /admin/sync-status. Partial failures are reported as
// warnings so operators still see what could be read.
func (a *Admin) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := SyncStatusResponse{Collection: a.Collection, Provider: a.Provider}

	cursor, err := a.Cursors.GetCursor(ctx, a.Collection, a.Provider)
	if err != nil {
		a.logger().Warn("Sync status: cursor unavailable", zap.Error(err))
		resp.Warnings = append(resp.Warnings, "cursor unavailable")
	} else {
		resp.Cursor = cursor
	}

	snapshot, err := a.Breaker.Snapshot(ctx)
	if err != nil {
		a.logger().Warn("Sync status: breaker state unavailable", zap.Error(err))
		resp.Warnings = append(resp.Warnings, "circuit breaker state unavailable")
	} else {
		resp.Breaker = &snapshot
	}

	resp.RateLimits = a.Limiter.Stats()
	resp.LastRun = a.Importer.LastReport()
	writeJSON(w, http.StatusOK, resp)
}

// SyncTriggerResponse is the body of POST /admin/sync-trigger.
type SyncTriggerResponse struct {
	RunID     string            `json:"run_id,omitempty"`
	Status    string            `json:"status"`
	StatusURL string            `json:"status_url"`
	LastRun   *engine.RunReport `json:"last_run,omitempty"`
}

// SyncTrigger serves POST /admin/sync-trigger. The run starts in the
// background on a context detached from the request and answers 202 with
// its run id; the report shows up as last_run in sync-status. While a
// triggered run is still going another trigger answers 200 already_running.
func (a *Admin) SyncTrigger(w http.ResponseWriter, r *http.Request) {
	principal, _ := servermw.PrincipalFromContext(r.Context())

	if !a.triggered.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusOK, SyncTriggerResponse{
			Status:    string(engine.RunAlreadyRunning),
			StatusURL: "/admin/sync-status",
			LastRun:   a.Importer.LastReport(),
		})
		return
	}

	runID := uuid.NewString()
	timeout := a.RunTimeout
	if timeout <= 0 {
		timeout = engine.DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(engine.WithRunID(context.WithoutCancel(r.Context()), runID), timeout)

	a.logger().Info("Import run triggered",
		zap.String("admin", principal.Subject),
		zap.String("run_id", runID))

	a.runs.Add(1)
	go func() {
		defer a.runs.Done()
		defer a.triggered.Store(false)
		defer cancel()
		a.runTriggered(ctx, runID)
	}()

	writeJSON(w, http.StatusAccepted, SyncTriggerResponse{
		RunID:     runID,
		Status:    "accepted",
		StatusURL: "/admin/sync-status",
	})
}

func (a *Admin) runTriggered(ctx context.Context, runID string) {
	report, err := a.Importer.Run(ctx)
	metrics.RecordOperation("sync_trigger", err == nil && report != nil && report.Status != engine.RunFailed)
	switch {
	case err != nil && report == nil:
		metrics.RecordOperationError("sync_trigger", "start")
		a.logger().Error("Triggered import could not start", zap.String("run_id", runID), zap.Error(err))
	case report.Status == engine.RunFailed:
		a.logger().Error("Triggered import failed", zap.String("run_id", runID), zap.Error(report.Err))
	case report.Status == engine.RunAlreadyRunning:
		a.logger().Info("Triggered import skipped; another run holds the lock", zap.String("run_id", runID))
	}
}

// Wait blocks until triggered runs finish or ctx ends.
func (a *Admin) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LockedAccounts serves GET /admin/locked-accounts.
func (a *Admin) LockedAccounts(w http.ResponseWriter, r *http.Request) {
	records, err := a.Accounts.LockedAccounts(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "locked accounts unavailable"))
		return
	}
	if records == nil {
		records = []core.LockoutRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": records,
		"count":    len(records),
	})
}

// AccountLockoutRequest is the body of POST /admin/account-lockout.
type AccountLockoutRequest struct {
	Email  string `json:"email"`
	Action string `json:"action"`
}

// AccountLockout serves POST /admin/account-lockout.
func (a *Admin) AccountLockout(w http.ResponseWriter, r *http.Request) {
	var req AccountLockoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, `request body must be {"email", "action"}`))
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("email is required").WithCorrelationID(requestID(r.Context())))
		return
	}
	if req.Action != "unlock" {
		respondWithError(w, r, apperrors.NewInvalidInputError(`action must be "unlock"`).WithCorrelationID(requestID(r.Context())))
		return
	}

	principal, _ := servermw.PrincipalFromContext(r.Context())
	record, err := a.Accounts.Unlock(r.Context(), req.Email, principal.Subject)
	metrics.RecordOperation("account_unlock", err == nil)
	if err != nil {
		metrics.RecordOperationError("account_unlock", "store")
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "unlock failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":  "unlock",
		"account": record,
	})
}

// SecurityEvents serves GET /admin/security-events.
func (a *Admin) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.SecurityEventFilter{
		AccountKey: query.Get("account"),
		Type:       core.SecurityEventType(query.Get("type")),
	}
	if raw := query.Get("min_severity"); raw != "" {
		severity, ok := core.ParseSeverity(raw)
		if !ok {
			respondWithError(w, r, apperrors.NewInvalidInputError("min_severity must be low, medium, high or critical").WithCorrelationID(requestID(r.Context())))
			return
		}
		filter.MinSeverity = severity
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be between 1 and 1000").WithCorrelationID(requestID(r.Context())))
			return
		}
		filter.Limit = limit
	}

	events, err := a.Accounts.Events(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "security events unavailable"))
		return
	}
	if events == nil {
		events = []core.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *Admin) logger() *logging.Logger {
	return observability.Resolve(a.Logger)
}
