package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

// LimitClass names an independent quota.
type LimitClass string

const (
	ClassGeneral  LimitClass = "general"
	ClassAI       LimitClass = "ai"
	ClassSearch   LimitClass = "search"
	ClassExternal LimitClass = "external"
)

// ParseLimitClass normalizes a class name.
func ParseLimitClass(value string) (LimitClass, bool) {
	class := LimitClass(strings.ToLower(strings.TrimSpace(value)))
	_, ok := DefaultLimits[class]
	return class, ok
}

// RateLimiter enforces fixed-window limits per (identifier, class).
type RateLimiter struct {
	Store  WindowStore
	Limits map[LimitClass]RateLimit
	Clock  func() time.Time
	Margin float64
	Logger *logging.Logger

	statsMu sync.Mutex
	stats   map[LimitClass]*ClassStats
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// WindowStore holds window counters. Increment must reset an elapsed window
// and count the request in one atomic step.
type WindowStore interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (*core.RateLimitState, error)
	SetBackoff(ctx context.Context, key string, until, now time.Time) error
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Degraded  bool
}

// ClassStats counts decisions for one class since process start.
type ClassStats struct {
	Limit    int           `json:"limit"`
	Window   time.Duration `json:"window"`
	Allowed  int64         `json:"allowed"`
	Denied   int64         `json:"denied"`
	Degraded int64         `json:"degraded"`
}

// DefaultLimits provides conservative defaults per class.
var DefaultLimits = map[LimitClass]RateLimit{
	ClassGeneral:  {RequestsPerWindow: 100, WindowDuration: time.Minute},
	ClassAI:       {RequestsPerWindow: 10, WindowDuration: time.Minute},
	ClassSearch:   {RequestsPerWindow: 30, WindowDuration: time.Minute},
	ClassExternal: {RequestsPerWindow: 60, WindowDuration: time.Minute},
}

// Key builds the store key for an identifier within a class.
func Key(class LimitClass, identifier string) string {
	return string(class) + ":" + identifier
}

// Check counts one request and reports whether it fits in the current window.
// Denied requests are counted too. When the store fails the request is
// allowed and the decision is marked degraded.
func (r *RateLimiter) Check(ctx context.Context, identifier string, class LimitClass) Decision {
	limit := r.getLimit(class)
	now := r.now()

	if r == nil || r.Store == nil {
		return Decision{Allowed: true, Limit: limit.RequestsPerWindow, Remaining: limit.RequestsPerWindow, ResetAt: now.Add(limit.WindowDuration)}
	}

	state, err := r.Store.Increment(ctx, Key(class, identifier), limit.WindowDuration, now)
	if err != nil {
		observability.Resolve(r.Logger).Warn("Rate limit store unavailable, failing open",
			zap.String("class", string(class)),
			zap.Error(err))
		r.record(class, limit, "degraded")
		return Decision{
			Allowed:   true,
			Limit:     limit.RequestsPerWindow,
			Remaining: limit.RequestsPerWindow,
			ResetAt:   now.Add(limit.WindowDuration),
			Degraded:  true,
		}
	}

	decision := Decision{
		Limit:   limit.RequestsPerWindow,
		ResetAt: state.WindowStart.Add(limit.WindowDuration),
	}

	if state.BackoffUntil != nil && now.Before(*state.BackoffUntil) {
		decision.ResetAt = *state.BackoffUntil
		r.record(class, limit, "denied")
		return decision
	}

	decision.Allowed = state.RequestCount <= limit.RequestsPerWindow
	decision.Remaining = max(limit.RequestsPerWindow-state.RequestCount, 0)
	if decision.Allowed {
		r.record(class, limit, "allowed")
	} else {
		r.record(class, limit, "denied")
	}
	return decision
}

// Record429 applies a backoff window from a provider 429 response.
func (r *RateLimiter) Record429(ctx context.Context, identifier string, class LimitClass, retryAfter time.Duration) error {
	if r == nil || r.Store == nil {
		return nil
	}
	if retryAfter <= 0 {
		retryAfter = r.getLimit(class).WindowDuration
	}
	now := r.now()
	return r.Store.SetBackoff(ctx, Key(class, identifier), now.Add(retryAfter), now)
}

// ApplyOverrides merges per-class limits over the defaults.
func (r *RateLimiter) ApplyOverrides(overrides map[LimitClass]RateLimit) {
	if r == nil || len(overrides) == 0 {
		return
	}

	if r.Limits == nil {
		r.Limits = make(map[LimitClass]RateLimit, len(DefaultLimits))
		for key, limit := range DefaultLimits {
			r.Limits[key] = limit
		}
	}

	for class, value := range overrides {
		if value.RequestsPerWindow <= 0 {
			continue
		}
		if value.WindowDuration <= 0 {
			value.WindowDuration = time.Minute
		}
		r.Limits[class] = value
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// Limit returns the effective limit for class.
func (r *RateLimiter) Limit(class LimitClass) RateLimit {
	return r.getLimit(class)
}

// Stats copies the per-class decision counters.
func (r *RateLimiter) Stats() map[LimitClass]ClassStats {
	out := make(map[LimitClass]ClassStats)
	if r == nil {
		return out
	}
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	for class, stats := range r.stats {
		out[class] = *stats
	}
	return out
}

func (r *RateLimiter) record(class LimitClass, limit RateLimit, outcome string) {
	metrics.RecordRateLimitDecision(string(class), outcome)

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if r.stats == nil {
		r.stats = make(map[LimitClass]*ClassStats)
	}
	stats, ok := r.stats[class]
	if !ok {
		stats = &ClassStats{}
		r.stats[class] = stats
	}
	stats.Limit = limit.RequestsPerWindow
	stats.Window = limit.WindowDuration
	switch outcome {
	case "allowed":
		stats.Allowed++
	case "denied":
		stats.Denied++
	default:
		stats.Degraded++
	}
}

func (r *RateLimiter) getLimit(class LimitClass) RateLimit {
	if r == nil {
		return RateLimit{RequestsPerWindow: 1, WindowDuration: time.Minute}
	}

	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}

	if limit, ok := limits[class]; ok {
		return r.applyMargin(limit)
	}
	if limit, ok := DefaultLimits[class]; ok {
		return r.applyMargin(limit)
	}

	return r.applyMargin(DefaultLimits[ClassGeneral])
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}
