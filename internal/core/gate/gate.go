// Package gate implements a failure-counted, cooldown-gated admission gate.
//
// A gate is closed while failures stay below a threshold, opens when the
// threshold is reached, and recovers once the cooldown elapses. Recovery is
// evaluated lazily whenever state is read; nothing runs on a timer. With
// trials enabled, recovery passes through half-open where exactly one trial
// call is admitted. Without probing, recovery returns straight to closed.
//
// The circuit breaker (keyed by dependency) and account lockout (keyed by
// account) are both specializations of Gate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is the admission phase of a gate key.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half-open"
)

// ErrTrialInFlight rejects callers while the single half-open trial is running.
var ErrTrialInFlight = errors.New("gate: trial in flight")

// OpenError rejects callers while a key is open.
type OpenError struct {
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("gate: open until %s", e.RetryAt.Format(time.RFC3339))
}

// State is the stored state of one key.
type State struct {
	Phase         Phase
	Failures      int
	LastFailureAt time.Time
	LastAttemptAt time.Time
	OpenedAt      time.Time
	OpenUntil     time.Time
	TrialInFlight bool
	Trips         int
	Generation    uint64
}

// Current returns the phase, treating the zero value as closed.
func (s State) Current() Phase {
	if s.Phase == "" {
		return PhaseClosed
	}
	return s.Phase
}

// Policy parameterizes the state machine.
type Policy struct {
	// Threshold is the failure count that opens the gate.
	Threshold int
	// Cooldown is how long the gate stays open.
	Cooldown time.Duration
	// Trial routes recovery through half-open with a single trial.
	Trial bool
	// FailureWindow restarts the failure count when the last failure is older.
	// Zero keeps counting until a success.
	FailureWindow time.Duration
}

// Resolve applies the lazy transitions due at now.
func (p Policy) Resolve(s State, now time.Time) State {
	s.Phase = s.Current()

	if s.Phase == PhaseOpen && !now.Before(s.OpenUntil) {
		if p.Trial {
			s.Phase = PhaseHalfOpen
			s.TrialInFlight = false
		} else {
			s = State{Phase: PhaseClosed, Trips: s.Trips, LastAttemptAt: s.LastAttemptAt, Generation: s.Generation}
		}
		s.Generation++
	}

	if s.Phase == PhaseClosed && p.FailureWindow > 0 && s.Failures > 0 && now.Sub(s.LastFailureAt) >= p.FailureWindow {
		s.Failures = 0
	}

	return s
}

// admit decides whether a caller may proceed. The returned state must be
// persisted even when the caller is rejected.
func (p Policy) admit(s State) (State, bool, error) {
	switch s.Phase {
	case PhaseOpen:
		return s, false, &OpenError{RetryAt: s.OpenUntil}
	case PhaseHalfOpen:
		if s.TrialInFlight {
			return s, false, ErrTrialInFlight
		}
		s.TrialInFlight = true
		return s, true, nil
	default:
		return s, false, nil
	}
}

func (p Policy) failure(s State, now time.Time) State {
	switch s.Phase {
	case PhaseOpen:
		return s
	case PhaseHalfOpen:
		s.Failures++
		s.LastFailureAt = now
		return p.trip(s, now)
	default:
		s.Failures++
		s.LastFailureAt = now
		if p.Threshold > 0 && s.Failures >= p.Threshold {
			return p.trip(s, now)
		}
		return s
	}
}

func (p Policy) success(s State) State {
	switch s.Phase {
	case PhaseOpen:
		return s
	case PhaseHalfOpen:
		s.Phase = PhaseClosed
		s.TrialInFlight = false
		s.Generation++
	}
	s.Failures = 0
	return s
}

func (p Policy) trip(s State, now time.Time) State {
	s.Phase = PhaseOpen
	s.OpenedAt = now
	s.OpenUntil = now.Add(p.Cooldown)
	s.TrialInFlight = false
	s.Trips++
	s.Generation++
	return s
}

// Store persists gate state per key. Update must apply fn atomically with
// respect to other updates of the same key.
type Store[K comparable] interface {
	Get(ctx context.Context, key K) (State, bool, error)
	Update(ctx context.Context, key K, fn func(State) (State, error)) (State, error)
	Delete(ctx context.Context, key K) error
}

// TransitionFunc observes phase changes.
type TransitionFunc[K comparable] func(key K, from, to Phase, state State)

// Option configures a Gate.
type Option[K comparable] func(*Gate[K])

// WithClock overrides the time source.
func WithClock[K comparable](clock func() time.Time) Option[K] {
	return func(g *Gate[K]) {
		g.clock = clock
	}
}

// WithTransitionHook registers a phase-change observer.
func WithTransitionHook[K comparable](fn TransitionFunc[K]) Option[K] {
	return func(g *Gate[K]) {
		g.onTransition = fn
	}
}

// Gate admits or rejects callers per key according to its Policy.
type Gate[K comparable] struct {
	policy       Policy
	store        Store[K]
	clock        func() time.Time
	onTransition TransitionFunc[K]
}

// New builds a gate over store. A nil store uses a MemoryStore.
func New[K comparable](policy Policy, store Store[K], opts ...Option[K]) *Gate[K] {
	if store == nil {
		store = NewMemoryStore[K]()
	}
	g := &Gate[K]{policy: policy, store: store}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the gate's policy.
func (g *Gate[K]) Policy() Policy {
	return g.policy
}

// Enter asks for admission. On success the caller must report exactly one
// outcome on the returned Pass; deferring Pass.Close guarantees a report.
func (g *Gate[K]) Enter(ctx context.Context, key K) (*Pass[K], error) {
	now := g.now()
	var (
		trial    bool
		rejected error
		from     Phase
	)

	state, err := g.store.Update(ctx, key, func(s State) (State, error) {
		from = s.Current()
		s = g.policy.Resolve(s, now)
		s.LastAttemptAt = now
		next, isTrial, admitErr := g.policy.admit(s)
		trial = isTrial
		rejected = admitErr
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	g.notify(key, from, state)

	if rejected != nil {
		return nil, rejected
	}

	return &Pass[K]{
		gate:       g,
		ctx:        context.WithoutCancel(ctx),
		key:        key,
		generation: state.Generation,
		trial:      trial,
	}, nil
}

// Execute runs fn behind the gate. fn's outcome is reported even when fn
// panics; the panic is re-raised after the failure is recorded.
func (g *Gate[K]) Execute(ctx context.Context, key K, fn func(context.Context) (Outcome, error)) error {
	pass, err := g.Enter(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = pass.Close() }()

	outcome, err := fn(ctx)
	if reportErr := pass.Report(outcome); reportErr != nil && err == nil {
		return reportErr
	}
	return err
}

// Fail records a failure outside of a Pass.
func (g *Gate[K]) Fail(ctx context.Context, key K) (State, error) {
	return g.apply(ctx, key, func(s State, now time.Time) State {
		return g.policy.failure(s, now)
	})
}

// Succeed records a success outside of a Pass.
func (g *Gate[K]) Succeed(ctx context.Context, key K) (State, error) {
	return g.apply(ctx, key, func(s State, _ time.Time) State {
		return g.policy.success(s)
	})
}

// Reset forgets a key; it reads as closed afterwards.
func (g *Gate[K]) Reset(ctx context.Context, key K) error {
	return g.store.Delete(ctx, key)
}

// State returns the resolved state of key without admitting anyone.
func (g *Gate[K]) State(ctx context.Context, key K) (State, error) {
	state, _, err := g.store.Get(ctx, key)
	if err != nil {
		return State{}, err
	}
	return g.policy.Resolve(state, g.now()), nil
}

func (g *Gate[K]) apply(ctx context.Context, key K, fn func(State, time.Time) State) (State, error) {
	now := g.now()
	var from Phase
	state, err := g.store.Update(ctx, key, func(s State) (State, error) {
		from = s.Current()
		return fn(g.policy.Resolve(s, now), now), nil
	})
	if err != nil {
		return State{}, err
	}
	g.notify(key, from, state)
	return state, nil
}

func (g *Gate[K]) report(p *Pass[K], outcome Outcome) (State, error) {
	now := g.now()
	var from Phase
	state, err := g.store.Update(p.ctx, p.key, func(s State) (State, error) {
		from = s.Current()
		if s.Generation != p.generation {
			// The key changed phase since admission; this outcome is stale.
			return s, nil
		}
		switch outcome {
		case OutcomeSuccess:
			return g.policy.success(s), nil
		case OutcomeFailure:
			return g.policy.failure(s, now), nil
		default:
			if p.trial {
				s.TrialInFlight = false
			}
			return s, nil
		}
	})
	if err != nil {
		return State{}, err
	}
	g.notify(p.key, from, state)
	return state, nil
}

func (g *Gate[K]) notify(key K, from Phase, state State) {
	if g.onTransition == nil || from == state.Current() {
		return
	}
	g.onTransition(key, from, state.Current(), state)
}

func (g *Gate[K]) now() time.Time {
	if g.clock != nil {
		return g.clock()
	}
	return time.Now().UTC()
}

// Outcome is the result a caller reports for an admitted call.
type Outcome int

const (
	// OutcomeFailure counts toward opening the gate.
	OutcomeFailure Outcome = iota
	// OutcomeSuccess resets the failure count and closes a half-open gate.
	OutcomeSuccess
	// OutcomeNeutral counts neither way and frees the trial slot.
	OutcomeNeutral
)

// Pass is an admission ticket. Exactly one outcome is recorded per Pass.
type Pass[K comparable] struct {
	gate       *Gate[K]
	ctx        context.Context
	key        K
	generation uint64
	trial      bool
	once       sync.Once
}

// Trial reports whether this pass is the half-open trial.
func (p *Pass[K]) Trial() bool {
	return p != nil && p.trial
}

// Success records a successful call.
func (p *Pass[K]) Success() error {
	return p.Report(OutcomeSuccess)
}

// Failure records a failed call.
func (p *Pass[K]) Failure() error {
	return p.Report(OutcomeFailure)
}

// Neutral records a call that says nothing about health.
func (p *Pass[K]) Neutral() error {
	return p.Report(OutcomeNeutral)
}

// Report records outcome unless an outcome was already recorded.
func (p *Pass[K]) Report(outcome Outcome) error {
	if p == nil {
		return nil
	}
	_, _, err := p.settle(outcome)
	return err
}

// Settle records outcome and returns the resulting state. When an outcome
// was already recorded it records nothing and returns the current state.
func (p *Pass[K]) Settle(outcome Outcome) (State, error) {
	if p == nil {
		return State{}, nil
	}
	state, recorded, err := p.settle(outcome)
	if !recorded {
		return p.gate.State(p.ctx, p.key)
	}
	return state, err
}

func (p *Pass[K]) settle(outcome Outcome) (state State, recorded bool, err error) {
	p.once.Do(func() {
		state, err = p.gate.report(p, outcome)
		recorded = true
	})
	return state, recorded, err
}

// Close records a failure if no outcome was reported.
func (p *Pass[K]) Close() error {
	return p.Report(OutcomeFailure)
}
