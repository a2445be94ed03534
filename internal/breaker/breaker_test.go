package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/deskauth/internal/mocks"
	"github.com/dtroode/deskauth/internal/model"
	"github.com/dtroode/deskauth/internal/testutil"
)

var errUpstream = errors.New("upstream unavailable")

func testSettings() Settings {
	return Settings{
		FailureThreshold:         3,
		SuccessThreshold:         2,
		ResetTimeout:             30 * time.Second,
		VolumeThreshold:          0,
		ErrorThresholdPercentage: 50,
	}
}

func newTestBreaker(t *testing.T, settings Settings, opts ...Option) (*Breaker, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	m, _ := testutil.MakeMetrics()
	b, err := New("oauth", settings, clock, m, testutil.MakeNoopLogger(), opts...)
	require.NoError(t, err)
	return b, clock
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestNew_InvalidSettings(t *testing.T) {
	m, _ := testutil.MakeMetrics()
	tests := []struct {
		name     string
		settings Settings
	}{
		{"zero failure threshold", Settings{SuccessThreshold: 1, ResetTimeout: time.Second}},
		{"zero success threshold", Settings{FailureThreshold: 1, ResetTimeout: time.Second}},
		{"zero reset timeout", Settings{FailureThreshold: 1, SuccessThreshold: 1}},
		{"percentage above 100", Settings{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second, ErrorThresholdPercentage: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", tt.settings, testutil.NewFakeClock(), m, testutil.MakeNoopLogger())
			require.Error(t, err)
		})
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, testSettings())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail, nil), errUpstream)
	}
	assert.Equal(t, model.BreakerOpen, b.Snapshot().State)

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	}, nil)

	var openErr *model.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "oauth", openErr.Name)
	assert.Equal(t, 30*time.Second, openErr.RetryAfter)
	assert.False(t, called)
	assert.Equal(t, 1.0, promtest.ToFloat64(b.metrics.BreakerRejections.WithLabelValues("oauth")))
	assert.Equal(t, 1.0, promtest.ToFloat64(b.metrics.BreakerState.WithLabelValues("oauth")))
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, testSettings())

	_ = b.Execute(ctx, fail, nil)
	_ = b.Execute(ctx, fail, nil)
	require.NoError(t, b.Execute(ctx, succeed, nil))
	_ = b.Execute(ctx, fail, nil)
	_ = b.Execute(ctx, fail, nil)

	snap := b.Snapshot()
	assert.Equal(t, model.BreakerClosed, snap.State)
	assert.Equal(t, 2, snap.Failures)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, testSettings())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}

	clock.Advance(29 * time.Second)
	ready, wait := b.Ready()
	assert.False(t, ready)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	ready, _ = b.Ready()
	assert.True(t, ready)

	var observed model.BreakerState
	err := b.Execute(ctx, func(context.Context) error {
		observed = b.Snapshot().State
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.BreakerHalfOpen, observed)
	assert.Equal(t, 1, b.Snapshot().Successes)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, testSettings())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	firstOpen := b.Snapshot().OpenedAt

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, fail, nil), errUpstream)

	snap := b.Snapshot()
	assert.Equal(t, model.BreakerOpen, snap.State)
	assert.True(t, snap.OpenedAt.After(firstOpen))
	assert.Equal(t, 0, snap.Successes)
}

func TestBreaker_HalfOpenSuccessesClose(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, testSettings())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	clock.Advance(30 * time.Second)

	require.NoError(t, b.Execute(ctx, succeed, nil))
	assert.Equal(t, model.BreakerHalfOpen, b.Snapshot().State)
	require.NoError(t, b.Execute(ctx, succeed, nil))

	snap := b.Snapshot()
	assert.Equal(t, model.BreakerClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 0, snap.Successes)
	assert.Equal(t, 1.0, promtest.ToFloat64(b.metrics.BreakerTransitions.WithLabelValues("oauth", "half_open", "closed")))
}

func TestBreaker_FallbackWhenOpen(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, testSettings())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}

	var got error
	err := b.Execute(ctx, succeed, func(_ context.Context, err error) error {
		got = err
		return nil
	})
	require.NoError(t, err)

	var openErr *model.CircuitOpenError
	assert.ErrorAs(t, got, &openErr)
}

func TestBreaker_ErrorRateTrip(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.FailureThreshold = 100
	settings.VolumeThreshold = 4
	b, _ := newTestBreaker(t, settings)

	_ = b.Execute(ctx, succeed, nil)
	_ = b.Execute(ctx, fail, nil)
	_ = b.Execute(ctx, succeed, nil)
	assert.Equal(t, model.BreakerClosed, b.Snapshot().State)

	_ = b.Execute(ctx, fail, nil)
	assert.Equal(t, model.BreakerOpen, b.Snapshot().State)
}

func TestBreaker_RollingWindowResetsVolume(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.FailureThreshold = 100
	settings.VolumeThreshold = 4
	settings.RollingWindow = time.Minute
	b, clock := newTestBreaker(t, settings)

	_ = b.Execute(ctx, fail, nil)
	_ = b.Execute(ctx, fail, nil)
	_ = b.Execute(ctx, succeed, nil)

	clock.Advance(time.Minute)
	_ = b.Execute(ctx, fail, nil)

	snap := b.Snapshot()
	assert.Equal(t, model.BreakerClosed, snap.State)
	assert.Equal(t, 1, snap.TotalRequests)
	assert.Equal(t, 1, snap.ErrorCount)
}

func TestBreaker_FailurePredicate(t *testing.T) {
	ctx := context.Background()
	permanent := &model.ProviderError{StatusCode: 400, Code: "invalid_grant"}
	b, _ := newTestBreaker(t, testSettings(), WithFailurePredicate(func(err error) bool {
		var perr *model.ProviderError
		return !errors.As(err, &perr) || perr.Transient
	}))

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return permanent }, nil)
		require.ErrorIs(t, err, permanent)
	}

	snap := b.Snapshot()
	assert.Equal(t, model.BreakerClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 5, snap.TotalRequests)
}

func TestBreaker_StateChangeHook(t *testing.T) {
	ctx := context.Background()
	var transitions [][2]model.BreakerState
	b, clock := newTestBreaker(t, testSettings(), WithStateChangeHook(func(from, to model.BreakerState) {
		transitions = append(transitions, [2]model.BreakerState{from, to})
	}))

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	clock.Advance(30 * time.Second)
	_ = b.Execute(ctx, succeed, nil)
	_ = b.Execute(ctx, succeed, nil)

	assert.Equal(t, [][2]model.BreakerState{
		{model.BreakerClosed, model.BreakerOpen},
		{model.BreakerOpen, model.BreakerHalfOpen},
		{model.BreakerHalfOpen, model.BreakerClosed},
	}, transitions)
}

func TestBreaker_PersistsTransitions(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewBreakerStateStore(t)
	store.On("SaveBreakerState", mock.Anything, mock.MatchedBy(func(s model.BreakerSnapshot) bool {
		return s.Name == "oauth" && s.State == model.BreakerOpen && s.Failures == 3
	})).Return(nil).Once()

	b, _ := newTestBreaker(t, testSettings(), WithStateStore(store))
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
}

func TestBreaker_SupersededTransitionIsNotApplied(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewBreakerStateStore(t)
	store.On("SaveBreakerState", mock.Anything, mock.MatchedBy(func(s model.BreakerSnapshot) bool {
		return s.State == model.BreakerOpen
	})).Return(nil).Once()

	var seen []model.BreakerState
	b, clock := newTestBreaker(t, testSettings(), WithStateStore(store),
		WithStateChangeHook(func(_, to model.BreakerState) { seen = append(seen, to) }))

	b.mu.Lock()
	b.state = model.BreakerOpen
	toHalfOpen := b.transitionLocked(model.BreakerHalfOpen, clock.Now())
	reopened := b.transitionLocked(model.BreakerOpen, clock.Now())
	b.mu.Unlock()

	// the later transition finishes its side effects first
	b.afterTransition(ctx, reopened)
	b.afterTransition(ctx, toHalfOpen)

	assert.Equal(t, []model.BreakerState{model.BreakerOpen}, seen)
	store.AssertNumberOfCalls(t, "SaveBreakerState", 1)
}

func TestBreaker_PersistFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewBreakerStateStore(t)
	store.On("SaveBreakerState", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	b, _ := newTestBreaker(t, testSettings(), WithStateStore(store))
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail, nil), errUpstream)
	}
	assert.Equal(t, model.BreakerOpen, b.Snapshot().State)
}

func TestBreaker_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("open snapshot", func(t *testing.T) {
		store := mocks.NewBreakerStateStore(t)
		clock := testutil.NewFakeClock()
		store.On("GetBreakerState", ctx, "oauth").Return(model.BreakerSnapshot{
			Name:     "oauth",
			State:    model.BreakerOpen,
			Failures: 5,
			OpenedAt: clock.Now().Add(-10 * time.Second),
		}, nil).Once()

		m, _ := testutil.MakeMetrics()
		b, err := New("oauth", testSettings(), clock, m, testutil.MakeNoopLogger(), WithStateStore(store))
		require.NoError(t, err)
		require.NoError(t, b.Restore(ctx))

		err = b.Execute(ctx, succeed, nil)
		var openErr *model.CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, 20*time.Second, openErr.RetryAfter)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		store := mocks.NewBreakerStateStore(t)
		store.On("GetBreakerState", ctx, "oauth").Return(model.BreakerSnapshot{}, model.ErrNotFound).Once()

		b, _ := newTestBreaker(t, testSettings(), WithStateStore(store))
		require.NoError(t, b.Restore(ctx))
		assert.Equal(t, model.BreakerClosed, b.Snapshot().State)
	})

	t.Run("store error", func(t *testing.T) {
		store := mocks.NewBreakerStateStore(t)
		store.On("GetBreakerState", ctx, "oauth").Return(model.BreakerSnapshot{}, assert.AnError).Once()

		b, _ := newTestBreaker(t, testSettings(), WithStateStore(store))
		require.ErrorIs(t, b.Restore(ctx), assert.AnError)
	})
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, testSettings())

	v, err := Do(ctx, b, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Do(ctx, b, func(context.Context) (string, error) { return "partial", errUpstream })
	require.ErrorIs(t, err, errUpstream)
	assert.Empty(t, v)
}
