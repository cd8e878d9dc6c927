package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGateOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 3, Cooldown: time.Minute, Trial: true}, nil, WithClock[string](clock.Now))

	for i := 0; i < 3; i++ {
		pass, err := g.Enter(ctx, "catalog")
		require.NoError(t, err)
		require.NoError(t, pass.Failure())
	}

	_, err := g.Enter(ctx, "catalog")
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, clock.now.Add(time.Minute), openErr.RetryAt)

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, state.Phase)
	assert.Equal(t, 3, state.Failures)
}

func TestGateHalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 1, Cooldown: time.Minute, Trial: true}, nil, WithClock[string](clock.Now))

	_, err := g.Fail(ctx, "catalog")
	require.NoError(t, err)

	clock.Advance(time.Minute)

	trial, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.True(t, trial.Trial())

	_, err = g.Enter(ctx, "catalog")
	require.ErrorIs(t, err, ErrTrialInFlight)

	require.NoError(t, trial.Success())

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, state.Phase)
	assert.Zero(t, state.Failures)
}

func TestGateFailedTrialRestartsCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 1, Cooldown: time.Minute, Trial: true}, nil, WithClock[string](clock.Now))

	_, err := g.Fail(ctx, "catalog")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	trial, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.NoError(t, trial.Failure())

	_, err = g.Enter(ctx, "catalog")
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, clock.now.Add(time.Minute), openErr.RetryAt)
}

func TestGateNeutralTrialFreesSlot(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 1, Cooldown: time.Second, Trial: true}, nil, WithClock[string](clock.Now))

	_, err := g.Fail(ctx, "catalog")
	require.NoError(t, err)
	clock.Advance(time.Second)

	trial, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.NoError(t, trial.Neutral())

	next, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	assert.True(t, next.Trial())
}

func TestGateCloseReportsFailureOnce(t *testing.T) {
	ctx := context.Background()
	g := New[string](Policy{Threshold: 5, Cooldown: time.Minute, Trial: true}, nil)

	pass, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.NoError(t, pass.Close())
	require.NoError(t, pass.Close())

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Failures)

	pass, err = g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.NoError(t, pass.Success())
	require.NoError(t, pass.Close())

	state, err = g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Zero(t, state.Failures)
}

func TestGateExecuteRecordsPanicAsFailure(t *testing.T) {
	ctx := context.Background()
	g := New[string](Policy{Threshold: 1, Cooldown: time.Minute, Trial: true}, nil)

	require.Panics(t, func() {
		_ = g.Execute(ctx, "catalog", func(context.Context) (Outcome, error) {
			panic("boom")
		})
	})

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, state.Phase)
}

func TestGateExecutePassesThroughError(t *testing.T) {
	ctx := context.Background()
	g := New[string](Policy{Threshold: 2, Cooldown: time.Minute, Trial: true}, nil)
	boom := errors.New("bad request")

	err := g.Execute(ctx, "catalog", func(context.Context) (Outcome, error) {
		return OutcomeNeutral, boom
	})
	require.ErrorIs(t, err, boom)

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Zero(t, state.Failures)
}

func TestGateStaleOutcomeIgnored(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 1, Cooldown: time.Minute, Trial: true}, nil, WithClock[string](clock.Now))

	slow, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)

	_, err = g.Fail(ctx, "catalog")
	require.NoError(t, err)

	require.NoError(t, slow.Success())

	state, err := g.State(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, state.Phase)
}

func TestGateWithoutTrialRecoversToClosed(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 2, Cooldown: 15 * time.Minute}, nil, WithClock[string](clock.Now))

	for i := 0; i < 2; i++ {
		_, err := g.Fail(ctx, "a@example.com")
		require.NoError(t, err)
	}
	_, err := g.Enter(ctx, "a@example.com")
	require.Error(t, err)

	clock.Advance(15 * time.Minute)

	pass, err := g.Enter(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, pass.Trial())

	state, err := g.State(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, state.Phase)
	assert.Zero(t, state.Failures)
	assert.Equal(t, 1, state.Trips)
}

func TestGateWithoutTrialKeepsGenerationAcrossCycles(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 2, Cooldown: time.Minute}, nil, WithClock[string](clock.Now))
	lockOut := func() {
		for i := 0; i < 2; i++ {
			_, err := g.Fail(ctx, "a@example.com")
			require.NoError(t, err)
		}
	}

	lockOut()
	clock.Advance(time.Minute)
	slow, err := g.Enter(ctx, "a@example.com")
	require.NoError(t, err)

	lockOut()
	clock.Advance(time.Minute)
	fresh, err := g.Enter(ctx, "a@example.com")
	require.NoError(t, err)
	defer func() { _ = fresh.Close() }()

	// slow was admitted two lockouts ago; its outcome must not count.
	require.NoError(t, slow.Failure())

	state, err := g.State(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, state.Phase)
	assert.Zero(t, state.Failures)
	assert.Equal(t, 2, state.Trips)
	assert.Equal(t, uint64(4), state.Generation)
}

func TestGateFailureWindowRestartsCount(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 3, Cooldown: time.Minute, FailureWindow: time.Hour}, nil, WithClock[string](clock.Now))

	_, err := g.Fail(ctx, "a@example.com")
	require.NoError(t, err)
	_, err = g.Fail(ctx, "a@example.com")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	state, err := g.Fail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Failures)
	assert.Equal(t, PhaseClosed, state.Phase)
}

func TestGateTransitionHook(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var seen []Phase
	g := New[string](Policy{Threshold: 1, Cooldown: time.Second, Trial: true}, nil,
		WithClock[string](clock.Now),
		WithTransitionHook[string](func(_ string, _, to Phase, _ State) {
			seen = append(seen, to)
		}),
	)

	_, err := g.Fail(ctx, "catalog")
	require.NoError(t, err)
	clock.Advance(time.Second)
	pass, err := g.Enter(ctx, "catalog")
	require.NoError(t, err)
	require.NoError(t, pass.Success())

	assert.Equal(t, []Phase{PhaseOpen, PhaseHalfOpen, PhaseClosed}, seen)
}

func TestPassSettleReturnsState(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New[string](Policy{Threshold: 2, Cooldown: time.Minute}, nil, WithClock[string](clock.Now))

	pass, err := g.Enter(ctx, "a@example.com")
	require.NoError(t, err)
	state, err := pass.Settle(OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Failures)

	again, err := pass.Settle(OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Failures, "second settle records nothing")

	pass, err = g.Enter(ctx, "a@example.com")
	require.NoError(t, err)
	state, err = pass.Settle(OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, state.Current())
	assert.Equal(t, clock.now.Add(time.Minute), state.OpenUntil)
}
