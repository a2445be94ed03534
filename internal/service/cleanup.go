package service

import (
	"context"
	"time"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
)

// AccessTokenPurger deletes expired access tokens.
type AccessTokenPurger interface {
	PurgeExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error)
}

// CleanupConfig tunes a Cleanup.
type CleanupConfig struct {
	Interval time.Duration
	// AccessTokenRetention keeps expired access tokens for this long.
	AccessTokenRetention time.Duration
	// RateLogHorizon keeps rate log rows that may still affect admission.
	RateLogHorizon time.Duration
}

// Cleanup periodically removes rows that can no longer affect behaviour.
type Cleanup struct {
	tokens  AccessTokenPurger
	rateLog model.RateLogStore
	cfg     CleanupConfig
	clock   model.Clock
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewCleanup creates a Cleanup. rateLog may be nil.
func NewCleanup(tokens AccessTokenPurger, rateLog model.RateLogStore, cfg CleanupConfig, clock model.Clock, m *metrics.Metrics, logger *logger.Logger) *Cleanup {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Cleanup{tokens: tokens, rateLog: rateLog, cfg: cfg, clock: clock, metrics: m, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (c *Cleanup) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.Sweep(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one cleanup pass. Failures are logged and retried next pass.
func (c *Cleanup) Sweep(ctx context.Context) {
	now := c.clock.Now()

	n, err := c.tokens.PurgeExpiredAccessTokens(ctx, now.Add(-c.cfg.AccessTokenRetention))
	if err != nil {
		c.logger.Error("Cleanup: failed to purge access tokens", "error", err.Error())
	} else if n > 0 {
		c.metrics.CleanupDeleted.WithLabelValues("access_tokens").Add(float64(n))
		c.logger.Debug("Cleanup: purged access tokens", "count", n)
	}

	if c.rateLog == nil || c.cfg.RateLogHorizon <= 0 {
		return
	}
	n, err = c.rateLog.DeleteRateAttempts(ctx, now.Add(-c.cfg.RateLogHorizon))
	if err != nil {
		c.logger.Error("Cleanup: failed to purge rate log", "error", err.Error())
		return
	}
	if n > 0 {
		c.metrics.CleanupDeleted.WithLabelValues("rate_log").Add(float64(n))
		c.logger.Debug("Cleanup: purged rate log", "count", n)
	}
}
