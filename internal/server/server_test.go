package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/deltasync"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/core/protection"
	apperrors "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/server/handlers"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

const (
	adminToken    = "admin-secret"
	operatorToken = "operator-secret"
	serviceToken  = "service-secret"
	mobileAPIKey  = "ios-app"
)

type stubSync struct {
	requests []deltasync.Request
	err      error
}

func (s *stubSync) Sync(_ context.Context, req deltasync.Request) (*deltasync.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &deltasync.Response{
		Collections: map[string][]*core.ContentRecord{"plants": {}},
		SyncedAt:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

type stubImporter struct {
	mu          sync.Mutex
	runs        int
	ctxErr      error
	hasDeadline bool
	last        *engine.RunReport
	started     chan struct{}
	release     chan struct{}
}

func (s *stubImporter) Run(ctx context.Context) (*engine.RunReport, error) {
	s.mu.Lock()
	s.runs++
	started, release := s.started, s.release
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}

	report := &engine.RunReport{RunID: "run-1", Status: engine.RunCompleted}
	s.mu.Lock()
	s.ctxErr = ctx.Err()
	_, s.hasDeadline = ctx.Deadline()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

func (s *stubImporter) LastReport() *engine.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type stubCursors struct{}

func (stubCursors) GetCursor(_ context.Context, collection, provider string) (*core.SyncCursor, error) {
	return &core.SyncCursor{Collection: collection, Provider: provider, LastProcessed: "2"}, nil
}

type stubBreaker struct{}

func (stubBreaker) Snapshot(context.Context) (engine.BreakerSnapshot, error) {
	return engine.BreakerSnapshot{Name: "catalog", State: "closed"}, nil
}

type stubAccounts struct {
	unlocked    []string
	admins      []string
	attempts    []protection.Attempt
	lockedUntil time.Time
}

func (s *stubAccounts) RecordFailure(_ context.Context, attempt protection.Attempt) (*protection.Result, error) {
	s.attempts = append(s.attempts, attempt)
	if !s.lockedUntil.IsZero() {
		return nil, &protection.LockedOutError{AccountKey: attempt.AccountKey, Until: s.lockedUntil}
	}
	return &protection.Result{AccountKey: attempt.AccountKey, FailedAttempts: 1, Remaining: 4}, nil
}

func (s *stubAccounts) RecordSuccess(_ context.Context, attempt protection.Attempt) (*protection.Result, error) {
	s.attempts = append(s.attempts, attempt)
	if !s.lockedUntil.IsZero() {
		return nil, &protection.LockedOutError{AccountKey: attempt.AccountKey, Until: s.lockedUntil}
	}
	return &protection.Result{AccountKey: attempt.AccountKey, Allowed: true, Remaining: 5}, nil
}

func (s *stubAccounts) LockedAccounts(context.Context) ([]core.LockoutRecord, error) {
	until := time.Now().Add(time.Hour)
	return []core.LockoutRecord{{AccountKey: "ana@example.com", FailedAttempts: 5, LockedUntil: &until}}, nil
}

func (s *stubAccounts) Unlock(_ context.Context, accountKey, adminID string) (*core.LockoutRecord, error) {
	s.unlocked = append(s.unlocked, accountKey)
	s.admins = append(s.admins, adminID)
	return &core.LockoutRecord{AccountKey: accountKey}, nil
}

func (s *stubAccounts) Events(context.Context, core.SecurityEventFilter) ([]core.SecurityEvent, error) {
	return nil, nil
}

type fixture struct {
	srv      *Server
	sync     *stubSync
	importer *stubImporter
	accounts *stubAccounts
	admin    *handlers.Admin
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	f := &fixture{sync: &stubSync{}, importer: &stubImporter{}, accounts: &stubAccounts{}}
	limiter := &engine.RateLimiter{
		Store:  engine.NewMemoryWindowStore(),
		Limits: map[engine.LimitClass]engine.RateLimit{engine.ClassGeneral: {RequestsPerWindow: limit, WindowDuration: time.Minute}},
	}
	f.admin = &handlers.Admin{
		Importer:   f.importer,
		Cursors:    stubCursors{},
		Breaker:    stubBreaker{},
		Limiter:    limiter,
		Accounts:   f.accounts,
		Collection: "plants",
		Provider:   "catalog",
		RunTimeout: time.Minute,
	}
	f.srv = New(Options{
		Host:      "127.0.0.1",
		APIKeys:   []string{mobileAPIKey},
		Limiter:   limiter,
		DeltaSync: f.sync,
		Admin:     f.admin,
		Attempts:  &handlers.LoginAttempts{Recorder: f.accounts},
		Credentials: []servermw.Credential{
			{Token: adminToken, Principal: servermw.Principal{Subject: "root", Role: servermw.RoleAdmin}},
			{Token: operatorToken, Principal: servermw.Principal{Subject: "ops", Role: servermw.RoleOperator}},
			{Token: serviceToken, Principal: servermw.Principal{Subject: "auth-api", Role: servermw.RoleService}},
		},
	})
	t.Cleanup(handlers.ResetHTTPErrorResponder)
	return f
}

func (f *fixture) request(method, path, token, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.1.1.1:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	return f.serve(f.request(method, path, token, body))
}

func (f *fixture) waitForRuns(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.admin.Wait(ctx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodGet, "/does-not-exist", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}

func TestSyncRouteSetsRateLimitHeaders(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/sync", "", `{"collections":["plants"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(servermw.HeaderRateLimitLimit))
	assert.Equal(t, "9", rec.Header().Get(servermw.HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get(servermw.HeaderRateLimitReset))
	require.Len(t, f.sync.requests, 1)
	assert.Equal(t, []string{"plants"}, f.sync.requests[0].Collections)
}

func TestSyncRouteThrottles(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/sync", "", `{"collections":["plants"]}`).Code)
	}

	rec := f.do(http.MethodPost, "/sync", "", `{"collections":["plants"]}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(servermw.HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "THROTTLED", decodeError(t, rec).Error.Code)
	assert.Len(t, f.sync.requests, 2)
}

func TestSyncRouteRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/sync", "", `{"collections":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Error.Code)
	assert.Empty(t, f.sync.requests)
}

func TestSyncRouteMapsUnknownCollection(t *testing.T) {
	f := newFixture(t, 10)
	f.sync.err = &deltasync.UnknownCollectionError{Name: "fungi"}

	rec := f.do(http.MethodPost, "/sync", "", `{"collections":["fungi"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Error.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodGet, "/admin/sync-status", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = f.do(http.MethodGet, "/admin/sync-status", "wrong", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Admin routes count against the same quota.
	assert.Equal(t, "8", rec.Header().Get(servermw.HeaderRateLimitRemaining))
}

func TestAdminSyncStatus(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodGet, "/admin/sync-status", operatorToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.SyncStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "plants", body.Collection)
	require.NotNil(t, body.Cursor)
	assert.Equal(t, "2", body.Cursor.LastProcessed)
	require.NotNil(t, body.Breaker)
	assert.Equal(t, "catalog", body.Breaker.Name)
	assert.Empty(t, body.Warnings)
}

func TestAdminSyncTriggerRunsDetachedFromRequest(t *testing.T) {
	f := newFixture(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := f.request(http.MethodPost, "/admin/sync-trigger", operatorToken, "").WithContext(ctx)
	f.importer.started = make(chan struct{}, 1)
	f.importer.release = make(chan struct{})

	rec := f.serve(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body handlers.SyncTriggerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.RunID)
	assert.Equal(t, "accepted", body.Status)

	// The client going away must not cancel the run.
	cancel()
	<-f.importer.started
	close(f.importer.release)
	f.waitForRuns(t)

	f.importer.mu.Lock()
	defer f.importer.mu.Unlock()
	assert.Equal(t, 1, f.importer.runs)
	assert.NoError(t, f.importer.ctxErr)
	assert.True(t, f.importer.hasDeadline)
}

func TestAdminSyncTriggerReportsRunInProgress(t *testing.T) {
	f := newFixture(t, 10)
	f.importer.started = make(chan struct{}, 1)
	f.importer.release = make(chan struct{})

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/admin/sync-trigger", operatorToken, "").Code)
	<-f.importer.started

	rec := f.do(http.MethodPost, "/admin/sync-trigger", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"already_running"`)

	close(f.importer.release)
	f.waitForRuns(t)

	rec = f.do(http.MethodGet, "/admin/sync-status", operatorToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status handlers.SyncStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.NotNil(t, status.LastRun)
	assert.Equal(t, engine.RunCompleted, status.LastRun.Status)

	f.importer.started = nil
	f.importer.release = nil
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/admin/sync-trigger", operatorToken, "").Code)
	f.waitForRuns(t)
	assert.Equal(t, 2, f.importer.runs)
}

func TestAccountRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodGet, "/admin/locked-accounts", operatorToken, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Error.Code)

	rec = f.do(http.MethodGet, "/admin/locked-accounts", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestAccountLockoutUnlock(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/admin/account-lockout", adminToken, `{"email":"ana@example.com","action":"unlock"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ana@example.com"}, f.accounts.unlocked)
	assert.Equal(t, []string{"root"}, f.accounts.admins)
}

func TestAccountLockoutRejectsUnknownAction(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/admin/account-lockout", adminToken, `{"email":"ana@example.com","action":"lock"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.accounts.unlocked)

	rec = f.do(http.MethodPost, "/admin/account-lockout", adminToken, `{"action":"unlock"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityEventsValidatesQuery(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodGet, "/admin/security-events?min_severity=urgent", adminToken, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/admin/security-events?min_severity=high&limit=20", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestHealthRoutesAreNotRateLimited(t *testing.T) {
	f := newFixture(t, 1)

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodGet, "/health/live", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(servermw.HeaderRateLimitLimit))
	}
}

func TestAdminRoutesDisabledWithoutCredentials(t *testing.T) {
	srv := New(Options{
		Limiter: &engine.RateLimiter{Store: engine.NewMemoryWindowStore()},
		Admin:   &handlers.Admin{},
	})
	t.Cleanup(handlers.ResetHTTPErrorResponder)

	req := httptest.NewRequest(http.MethodGet, "/admin/sync-status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRouteRotatingAPIKeysShareAddressQuota(t *testing.T) {
	f := newFixture(t, 3)

	allowed := 0
	for i := 0; i < 10; i++ {
		req := f.request(http.MethodPost, "/sync", "", `{"collections":["plants"]}`)
		req.Header.Set(servermw.HeaderAPIKey, "made-up-"+strconv.Itoa(i))
		req.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i))
		if f.serve(req).Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// An issued key has a quota of its own.
	req := f.request(http.MethodPost, "/sync", "", `{"collections":["plants"]}`)
	req.Header.Set(servermw.HeaderAPIKey, mobileAPIKey)
	rec := f.serve(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(servermw.HeaderRateLimitRemaining))
}

func TestSyncRouteMapsInvalidCursor(t *testing.T) {
	f := newFixture(t, 10)
	f.sync.err = &deltasync.InvalidCursorError{}

	rec := f.do(http.MethodPost, "/sync", "", `{"collections":["plants"],"cursor":"bogus"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Error.Code)
	require.Len(t, f.sync.requests, 1)
	assert.Equal(t, "bogus", f.sync.requests[0].Cursor)
}

func TestLoginAttemptsRecordsOutcomes(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/auth/attempts", serviceToken, `{"email":"Ana@example.com","ip":"198.51.100.9","success":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining_attempts":4`)

	rec = f.do(http.MethodPost, "/auth/attempts", serviceToken, `{"email":"ana@example.com","success":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":true`)

	require.Len(t, f.accounts.attempts, 2)
	assert.Equal(t, protection.Attempt{AccountKey: "Ana@example.com", IP: "198.51.100.9"}, f.accounts.attempts[0])
}

func TestLoginAttemptsLockedAccount(t *testing.T) {
	f := newFixture(t, 10)
	f.accounts.lockedUntil = time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)

	rec := f.do(http.MethodPost, "/auth/attempts", serviceToken, `{"email":"ana@example.com","success":false}`)
	require.Equal(t, http.StatusLocked, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "LOCKED_OUT", body.Error.Code)
	assert.Equal(t, "2025-03-01T12:15:00Z", body.Error.Details["locked_until"])
}

func TestLoginAttemptsRequireServiceRole(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(http.MethodPost, "/auth/attempts", "", `{"email":"ana@example.com","success":false}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/auth/attempts", adminToken, `{"email":"ana@example.com","success":false}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/admin/sync-status", serviceToken, "")
	require.Equal(t, http.StatusForbidden, rec.Code, "service principals stay out of /admin")

	rec = f.do(http.MethodPost, "/auth/attempts", serviceToken, `{"email":"ana@example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.accounts.attempts)
}
