// Package protection locks accounts after repeated failed logins.
//
// Each account key runs through a gate without probing: failures accumulate
// until MaxAttempts, the account is then locked for LockoutDuration, and the
// lock lapses lazily on the next attempt after it expires. While locked,
// attempts are rejected before credentials are checked.
package protection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/gate"
	"github.com/florasync/florasync/internal/core/store"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

// Defaults.
const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutStore persists per-account gate state.
type LockoutStore interface {
	gate.Store[string]
	ListLocked(ctx context.Context, now time.Time) ([]core.LockoutRecord, error)
	CleanupExpired(ctx context.Context, now, before time.Time) (int64, error)
}

// EventStore appends and queries security events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *core.SecurityEvent) error
	ListEvents(ctx context.Context, filter core.SecurityEventFilter) ([]core.SecurityEvent, error)
}

// Alerter receives admin notifications.
type Alerter interface {
	Notify(ctx context.Context, alert core.Alert) error
}

// Verifier checks credentials. It is only called for accounts that are not
// locked.
type Verifier func(ctx context.Context) (bool, error)

// Attempt identifies one login attempt.
type Attempt struct {
	AccountKey string
	IP         string
	UserAgent  string
}

// Result describes the account after an attempt.
type Result struct {
	AccountKey     string     `json:"account_key"`
	Allowed        bool       `json:"allowed"`
	FailedAttempts int        `json:"failed_attempts"`
	Remaining      int        `json:"remaining_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// LockedOutError rejects an attempt against a locked account.
type LockedOutError struct {
	AccountKey string
	Until      time.Time
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("account %s is locked until %s", e.AccountKey, e.Until.Format(time.RFC3339))
}

// Config tunes the service.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	// FailureWindow forgets failures older than this. Zero keeps them until
	// a successful login.
	FailureWindow time.Duration
}

// Service applies the lockout policy and records the audit trail.
type Service struct {
	lockouts LockoutStore
	events   EventStore
	alerts   Alerter
	gate     *gate.Gate[string]
	cfg      Config
	logger   *logging.Logger
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAlerter sends an alert whenever an account is locked.
func WithAlerter(alerts Alerter) Option {
	return func(s *Service) { s.alerts = alerts }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New builds a Service over the given stores.
func New(lockouts LockoutStore, events EventStore, cfg Config, opts ...Option) (*Service, error) {
	if lockouts == nil || events == nil {
		return nil, errors.New("protection requires lockout and event stores")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}

	s := &Service{lockouts: lockouts, events: events, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.gate = gate.New[string](gate.Policy{
		Threshold:     cfg.MaxAttempts,
		Cooldown:      cfg.LockoutDuration,
		FailureWindow: cfg.FailureWindow,
	}, lockouts, gate.WithClock[string](s.now))
	return s, nil
}

// NormalizeAccountKey trims and lowercases an account identifier.
func NormalizeAccountKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Attempt runs verify unless the account is locked. A locked account returns
// *LockedOutError and verify is not called. A verify error is returned as is
// and counts neither way.
func (s *Service) Attempt(ctx context.Context, attempt Attempt, verify Verifier) (*Result, error) {
	key := NormalizeAccountKey(attempt.AccountKey)
	if key == "" {
		return nil, errors.New("account key is required")
	}
	attempt.AccountKey = key

	pass, err := s.gate.Enter(ctx, key)
	if err != nil {
		var open *gate.OpenError
		if errors.As(err, &open) {
			return nil, s.rejectLocked(ctx, attempt, open.RetryAt)
		}
		return nil, fmt.Errorf("check lockout: %w", err)
	}
	defer func() { _ = pass.Close() }()

	ok, err := verify(ctx)
	if err != nil {
		_ = pass.Neutral()
		return nil, err
	}

	if ok {
		if _, err := pass.Settle(gate.OutcomeSuccess); err != nil {
			return nil, fmt.Errorf("record login success: %w", err)
		}
		s.succeeded(ctx, attempt)
		return &Result{AccountKey: key, Allowed: true, Remaining: s.cfg.MaxAttempts}, nil
	}

	state, err := pass.Settle(gate.OutcomeFailure)
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	return s.failed(ctx, attempt, state), nil
}

// RecordFailure counts a failed login verified elsewhere.
func (s *Service) RecordFailure(ctx context.Context, attempt Attempt) (*Result, error) {
	attempt.AccountKey = NormalizeAccountKey(attempt.AccountKey)
	if attempt.AccountKey == "" {
		return nil, errors.New("account key is required")
	}
	state, err := s.gate.State(ctx, attempt.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("check lockout: %w", err)
	}
	if state.Current() == gate.PhaseOpen {
		return nil, s.rejectLocked(ctx, attempt, state.OpenUntil)
	}
	state, err = s.gate.Fail(ctx, attempt.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	return s.failed(ctx, attempt, state), nil
}

// RecordSuccess resets the failure count after a login verified elsewhere.
// A locked account stays locked.
func (s *Service) RecordSuccess(ctx context.Context, attempt Attempt) (*Result, error) {
	attempt.AccountKey = NormalizeAccountKey(attempt.AccountKey)
	if attempt.AccountKey == "" {
		return nil, errors.New("account key is required")
	}
	state, err := s.gate.State(ctx, attempt.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("check lockout: %w", err)
	}
	if state.Current() == gate.PhaseOpen {
		return nil, s.rejectLocked(ctx, attempt, state.OpenUntil)
	}
	if _, err := s.gate.Succeed(ctx, attempt.AccountKey); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	s.succeeded(ctx, attempt)
	return &Result{AccountKey: attempt.AccountKey, Allowed: true, Remaining: s.cfg.MaxAttempts}, nil
}

// Unlock clears the account's state and audits the admin who did it.
func (s *Service) Unlock(ctx context.Context, accountKey, adminID string) (*core.LockoutRecord, error) {
	key := NormalizeAccountKey(accountKey)
	if key == "" {
		return nil, errors.New("account key is required")
	}
	before, err := s.gate.State(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read lockout: %w", err)
	}
	if err := s.gate.Reset(ctx, key); err != nil {
		return nil, fmt.Errorf("unlock account: %w", err)
	}

	record := store.LockoutRecordFromState(key, before)
	metadata := map[string]any{
		"failed_attempts": before.Failures,
		"was_locked":      before.Current() == gate.PhaseOpen,
	}
	if record.LockedUntil != nil {
		metadata["locked_until"] = record.LockedUntil.Format(time.RFC3339)
	}
	s.record(ctx, &core.SecurityEvent{
		Type:       core.EventAdminUnlock,
		Severity:   core.SeverityMedium,
		AccountKey: key,
		Actor:      adminID,
		Metadata:   metadata,
	})
	observability.Resolve(s.logger).Info("Account unlocked",
		zap.String("account", key),
		zap.String("admin", adminID),
		zap.Bool("was_locked", before.Current() == gate.PhaseOpen))

	cleared := core.LockoutRecord{AccountKey: key, LockoutCount: before.Trips}
	return &cleared, nil
}

// LockedAccounts lists accounts whose lockout has not expired.
func (s *Service) LockedAccounts(ctx context.Context) ([]core.LockoutRecord, error) {
	return s.lockouts.ListLocked(ctx, s.now())
}

// Status returns the account's current lockout record.
func (s *Service) Status(ctx context.Context, accountKey string) (*core.LockoutRecord, error) {
	key := NormalizeAccountKey(accountKey)
	state, err := s.gate.State(ctx, key)
	if err != nil {
		return nil, err
	}
	record := store.LockoutRecordFromState(key, state)
	return &record, nil
}

// Events queries the audit trail.
func (s *Service) Events(ctx context.Context, filter core.SecurityEventFilter) ([]core.SecurityEvent, error) {
	filter.AccountKey = NormalizeAccountKey(filter.AccountKey)
	return s.events.ListEvents(ctx, filter)
}

// Cleanup deletes unlocked rows idle for longer than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.now()
	return s.lockouts.CleanupExpired(ctx, now, now.Add(-retention))
}

func (s *Service) rejectLocked(ctx context.Context, attempt Attempt, until time.Time) error {
	severity := core.SeverityHigh
	state, err := s.gate.State(ctx, attempt.AccountKey)
	if err == nil && !state.OpenedAt.IsZero() {
		// Past twice the threshold counting the failures that caused the lock.
		prior, err := s.events.ListEvents(ctx, core.SecurityEventFilter{
			AccountKey: attempt.AccountKey,
			Type:       core.EventLockedAttempt,
			Since:      state.OpenedAt,
			Limit:      s.cfg.MaxAttempts,
		})
		if err == nil && len(prior) >= s.cfg.MaxAttempts {
			severity = core.SeverityCritical
		}
	}

	s.record(ctx, &core.SecurityEvent{
		Type:       core.EventLockedAttempt,
		Severity:   severity,
		AccountKey: attempt.AccountKey,
		IP:         attempt.IP,
		Metadata:   attemptMetadata(attempt, map[string]any{"locked_until": until.Format(time.RFC3339)}),
	})
	return &LockedOutError{AccountKey: attempt.AccountKey, Until: until}
}

func (s *Service) failed(ctx context.Context, attempt Attempt, state gate.State) *Result {
	result := &Result{AccountKey: attempt.AccountKey, FailedAttempts: state.Failures}

	if state.Current() == gate.PhaseOpen {
		until := state.OpenUntil
		result.LockedUntil = &until
		s.record(ctx, &core.SecurityEvent{
			Type:       core.EventLoginFailed,
			Severity:   core.SeverityMedium,
			AccountKey: attempt.AccountKey,
			IP:         attempt.IP,
			Metadata:   attemptMetadata(attempt, map[string]any{"failed_attempts": state.Failures}),
		})
		s.record(ctx, &core.SecurityEvent{
			Type:       core.EventAccountLocked,
			Severity:   core.SeverityHigh,
			AccountKey: attempt.AccountKey,
			IP:         attempt.IP,
			Metadata: map[string]any{
				"failed_attempts": state.Failures,
				"locked_until":    until.Format(time.RFC3339),
				"lockout_count":   state.Trips,
			},
		})
		s.lockedAlert(ctx, attempt, state)
		return result
	}

	result.Remaining = max(s.cfg.MaxAttempts-state.Failures, 0)
	severity := core.SeverityLow
	if state.Failures*2 >= s.cfg.MaxAttempts {
		severity = core.SeverityMedium
	}
	s.record(ctx, &core.SecurityEvent{
		Type:       core.EventLoginFailed,
		Severity:   severity,
		AccountKey: attempt.AccountKey,
		IP:         attempt.IP,
		Metadata: attemptMetadata(attempt, map[string]any{
			"failed_attempts":    state.Failures,
			"remaining_attempts": result.Remaining,
		}),
	})
	return result
}

func (s *Service) succeeded(ctx context.Context, attempt Attempt) {
	s.record(ctx, &core.SecurityEvent{
		Type:       core.EventLoginSucceeded,
		Severity:   core.SeverityLow,
		AccountKey: attempt.AccountKey,
		IP:         attempt.IP,
		Metadata:   attemptMetadata(attempt, nil),
	})
}

func (s *Service) lockedAlert(ctx context.Context, attempt Attempt, state gate.State) {
	observability.Resolve(s.logger).Warn("Account locked",
		zap.String("account", attempt.AccountKey),
		zap.String("ip", attempt.IP),
		zap.Int("failed_attempts", state.Failures),
		zap.Time("locked_until", state.OpenUntil))

	if s.alerts == nil {
		return
	}
	err := s.alerts.Notify(context.WithoutCancel(ctx), core.Alert{
		Kind:     core.AlertAccountLocked,
		Severity: core.SeverityHigh,
		Subject:  "account locked: " + attempt.AccountKey,
		Message:  fmt.Sprintf("%d failed login attempts; locked until %s", state.Failures, state.OpenUntil.Format(time.RFC3339)),
		Fields: map[string]any{
			"account":       attempt.AccountKey,
			"ip":            attempt.IP,
			"lockout_count": state.Trips,
		},
		At: s.now(),
	})
	if err != nil {
		observability.Resolve(s.logger).Warn("Lockout alert not delivered", zap.Error(err))
	}
}

// record appends an event. Audit failures are logged and do not change the
// login decision.
func (s *Service) record(ctx context.Context, event *core.SecurityEvent) {
	event.Timestamp = s.now()
	metrics.RecordSecurityEvent(string(event.Type), string(event.Severity))
	if err := s.events.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		observability.Resolve(s.logger).Error("Failed to record security event",
			zap.String("type", string(event.Type)),
			zap.String("account", event.AccountKey),
			zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func attemptMetadata(attempt Attempt, extra map[string]any) map[string]any {
	out := map[string]any{}
	if attempt.UserAgent != "" {
		out["user_agent"] = attempt.UserAgent
	}
	for k, v := range extra {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
