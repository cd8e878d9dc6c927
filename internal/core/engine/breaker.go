package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core/gate"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

// ErrTrialInProgress rejects calls while the half-open trial is in flight.
var ErrTrialInProgress = errors.New("circuit breaker trial in progress")

// CircuitOpenError rejects calls while the breaker is open.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	Clock     func() time.Time
	Logger    *logging.Logger
	// OnStateChange runs after every transition.
	OnStateChange func(name string, from, to gate.Phase)
}

// BreakerSnapshot describes breaker health for status reporting.
type BreakerSnapshot struct {
	Name                string     `json:"name"`
	State               gate.Phase `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
	Cooldown            string     `json:"cooldown"`
	Trips               int        `json:"trips"`
}

// CircuitBreaker guards one external dependency. State lives in memory for
// the lifetime of the process.
type CircuitBreaker struct {
	name string
	gate *gate.Gate[string]
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	opts := []gate.Option[string]{
		gate.WithTransitionHook[string](func(name string, from, to gate.Phase, state gate.State) {
			observability.Resolve(cfg.Logger).Info("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Int("consecutive_failures", state.Failures))
			metrics.RecordBreakerTransition(name, string(from), string(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		}),
	}
	if cfg.Clock != nil {
		opts = append(opts, gate.WithClock[string](cfg.Clock))
	}

	policy := gate.Policy{Threshold: cfg.Threshold, Cooldown: cfg.Cooldown, Trial: true}
	return &CircuitBreaker{
		name: cfg.Name,
		gate: gate.New[string](policy, gate.NewMemoryStore[string](), opts...),
	}
}

// Name returns the guarded dependency name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Allow asks for admission. The caller must report the outcome on the
// returned pass; `defer pass.Close()` records a failure on any path that
// forgets to.
func (b *CircuitBreaker) Allow(ctx context.Context) (*gate.Pass[string], error) {
	pass, err := b.gate.Enter(ctx, b.name)
	if err != nil {
		return nil, b.translate(err)
	}
	return pass, nil
}

// Execute runs fn behind the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (gate.Outcome, error)) error {
	return b.translate(b.gate.Execute(ctx, b.name, fn))
}

// Snapshot reports the current state, applying any due cooldown transition.
func (b *CircuitBreaker) Snapshot(ctx context.Context) (BreakerSnapshot, error) {
	state, err := b.gate.State(ctx, b.name)
	if err != nil {
		return BreakerSnapshot{}, err
	}
	snap := BreakerSnapshot{
		Name:                b.name,
		State:               state.Current(),
		ConsecutiveFailures: state.Failures,
		Cooldown:            b.gate.Policy().Cooldown.String(),
		Trips:               state.Trips,
	}
	if !state.LastFailureAt.IsZero() {
		snap.LastFailureAt = &state.LastFailureAt
	}
	if !state.OpenedAt.IsZero() {
		snap.OpenedAt = &state.OpenedAt
	}
	if state.Current() == gate.PhaseOpen {
		snap.RetryAt = &state.OpenUntil
	}
	return snap, nil
}

func (b *CircuitBreaker) translate(err error) error {
	var openErr *gate.OpenError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &openErr):
		return &CircuitOpenError{Name: b.name, RetryAt: openErr.RetryAt}
	case errors.Is(err, gate.ErrTrialInFlight):
		return ErrTrialInProgress
	default:
		return err
	}
}
