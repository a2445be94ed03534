package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/deskauth/internal/mocks"
	"github.com/dtroode/deskauth/internal/model"

	tu "github.com/dtroode/deskauth/internal/testutil"
)

type purgerFunc func(ctx context.Context, before time.Time) (int64, error)

func (f purgerFunc) PurgeExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}

func TestCleanup_Sweep(t *testing.T) {
	clock := tu.NewFakeClock()
	m, _ := tu.MakeMetrics()

	var tokensBefore time.Time
	purger := purgerFunc(func(_ context.Context, before time.Time) (int64, error) {
		tokensBefore = before
		return 4, nil
	})

	rateLog := mocks.NewRateLogStore(t)
	rateLog.On("DeleteRateAttempts", mock.Anything, clock.Now().Add(-15*time.Minute)).Return(int64(7), nil).Once()

	c := NewCleanup(purger, rateLog, CleanupConfig{
		AccessTokenRetention: 24 * time.Hour,
		RateLogHorizon:       15 * time.Minute,
	}, clock, m, tu.MakeNoopLogger())

	c.Sweep(context.Background())

	assert.True(t, clock.Now().Add(-24*time.Hour).Equal(tokensBefore))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CleanupDeleted.WithLabelValues("access_tokens")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CleanupDeleted.WithLabelValues("rate_log")))
}

func TestCleanup_SweepContinuesAfterFailure(t *testing.T) {
	clock := tu.NewFakeClock()
	m, _ := tu.MakeMetrics()

	purger := purgerFunc(func(context.Context, time.Time) (int64, error) {
		return 0, &model.StorageError{Op: "purge access tokens", Err: assert.AnError}
	})

	rateLog := mocks.NewRateLogStore(t)
	rateLog.On("DeleteRateAttempts", mock.Anything, mock.Anything).Return(int64(0), nil).Once()

	c := NewCleanup(purger, rateLog, CleanupConfig{RateLogHorizon: time.Minute}, clock, m, tu.MakeNoopLogger())
	c.Sweep(context.Background())
}

func TestCleanup_RunStopsOnCancel(t *testing.T) {
	m, _ := tu.MakeMetrics()
	calls := make(chan struct{}, 10)
	purger := purgerFunc(func(context.Context, time.Time) (int64, error) {
		calls <- struct{}{}
		return 0, nil
	})

	c := NewCleanup(purger, nil, CleanupConfig{Interval: time.Hour}, tu.NewFakeClock(), m, tu.MakeNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-calls
	cancel()
	require.NoError(t, <-done)
}
