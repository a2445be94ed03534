// Package breaker guards a shared downstream dependency with a
// CLOSED/OPEN/HALF_OPEN circuit breaker. One Breaker exists per dependency,
// never per tenant.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
)

const persistTimeout = 2 * time.Second

// Settings are the breaker thresholds.
type Settings struct {
	// FailureThreshold consecutive failures open a closed circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration
	// VolumeThreshold is the minimum request count before the error rate is considered.
	VolumeThreshold int
	// ErrorThresholdPercentage opens the circuit once reached with enough volume.
	ErrorThresholdPercentage float64
	// RollingWindow bounds the period totalRequests and errorCount cover.
	// Zero keeps counting until the circuit next closes.
	RollingWindow time.Duration
}

// DefaultSettings returns conservative thresholds for an OAuth token endpoint.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		ResetTimeout:             60 * time.Second,
		VolumeThreshold:          10,
		ErrorThresholdPercentage: 50,
		RollingWindow:            60 * time.Second,
	}
}

func (s Settings) validate() error {
	if s.FailureThreshold <= 0 || s.SuccessThreshold <= 0 {
		return fmt.Errorf("failure and success thresholds must be positive")
	}
	if s.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive")
	}
	if s.ErrorThresholdPercentage < 0 || s.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("error threshold percentage must be within [0, 100]")
	}
	return nil
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateStore persists every transition and enables Restore.
func WithStateStore(store model.BreakerStateStore) Option {
	return func(b *Breaker) { b.store = store }
}

// WithFailurePredicate decides which errors count against the circuit.
// Errors for which it returns false are treated as a responsive dependency.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChangeHook registers fn to run after every transition.
func WithStateChangeHook(fn func(from, to model.BreakerState)) Option {
	return func(b *Breaker) { b.hooks = append(b.hooks, fn) }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	settings  Settings
	clock     model.Clock
	store     model.BreakerStateStore
	metrics   *metrics.Metrics
	logger    *logger.Logger
	isFailure func(error) bool
	hooks     []func(from, to model.BreakerState)

	mu            sync.Mutex
	state         model.BreakerState
	failures      int
	successes     int
	totalRequests int
	errorCount    int
	openedAt      time.Time
	windowStart   time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	seq           uint64

	// effectsMu orders transition side effects; applied is the seq of the
	// latest transition whose effects ran.
	effectsMu sync.Mutex
	applied   uint64
}

// New creates a closed Breaker.
func New(name string, settings Settings, clock model.Clock, m *metrics.Metrics, logger *logger.Logger, opts ...Option) (*Breaker, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker settings: %w", err)
	}

	b := &Breaker{
		name:        name,
		settings:    settings,
		clock:       clock,
		metrics:     m,
		logger:      logger,
		isFailure:   func(err error) bool { return err != nil },
		state:       model.BreakerClosed,
		windowStart: clock.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.BreakerState.WithLabelValues(name).Set(stateValue(model.BreakerClosed))

	return b, nil
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string { return b.name }

// Restore loads the last persisted snapshot, if any.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	snap, err := b.store.GetBreakerState(ctx, b.name)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}

	b.mu.Lock()
	b.state = snap.State
	b.failures = snap.Failures
	b.successes = snap.Successes
	b.totalRequests = snap.TotalRequests
	b.errorCount = snap.ErrorCount
	b.openedAt = snap.OpenedAt
	b.lastFailureAt = snap.LastFailureAt
	b.lastSuccessAt = snap.LastSuccessAt
	b.windowStart = b.clock.Now()
	b.mu.Unlock()

	b.metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(snap.State))
	b.logger.Info("Breaker: restored state", "name", b.name, "state", snap.State)

	return nil
}

// Execute runs fn unless the circuit is open. While open and not yet eligible
// for a probe, it returns *model.CircuitOpenError, or the result of fallback
// when one is given, without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	if err := b.allow(ctx); err != nil {
		b.metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	err := fn(ctx)
	b.record(ctx, err)

	return err
}

// Do is Execute for functions returning a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, nil)

	return out, err
}

// Ready reports whether a call would currently be attempted, and if not, how
// long until the circuit becomes eligible for a probe. It never transitions.
func (b *Breaker) Ready() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != model.BreakerOpen {
		return true, 0
	}
	remaining := b.settings.ResetTimeout - b.clock.Now().Sub(b.openedAt)
	if remaining <= 0 {
		return true, 0
	}
	return false, remaining
}

// Snapshot returns a copy of the current counters.
func (b *Breaker) Snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() model.BreakerSnapshot {
	return model.BreakerSnapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		TotalRequests: b.totalRequests,
		ErrorCount:    b.errorCount,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
	}
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	now := b.clock.Now()

	var changed *transition
	switch b.state {
	case model.BreakerOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.settings.ResetTimeout {
			b.mu.Unlock()
			return &model.CircuitOpenError{Name: b.name, RetryAfter: b.settings.ResetTimeout - elapsed}
		}
		changed = b.transitionLocked(model.BreakerHalfOpen, now)
	case model.BreakerClosed:
		if b.settings.RollingWindow > 0 && now.Sub(b.windowStart) >= b.settings.RollingWindow {
			b.totalRequests = 0
			b.errorCount = 0
			b.windowStart = now
		}
	}
	b.mu.Unlock()

	b.afterTransition(ctx, changed)
	return nil
}

func (b *Breaker) record(ctx context.Context, callErr error) {
	failed := callErr != nil && b.isFailure(callErr)

	b.mu.Lock()
	now := b.clock.Now()
	b.totalRequests++

	var changed *transition
	if failed {
		b.errorCount++
		b.failures++
		b.lastFailureAt = now

		switch b.state {
		case model.BreakerHalfOpen:
			changed = b.transitionLocked(model.BreakerOpen, now)
		case model.BreakerClosed:
			if b.shouldTripLocked() {
				changed = b.transitionLocked(model.BreakerOpen, now)
			}
		}
	} else {
		b.lastSuccessAt = now

		switch b.state {
		case model.BreakerClosed:
			b.failures = 0
		case model.BreakerHalfOpen:
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				changed = b.transitionLocked(model.BreakerClosed, now)
			}
		}
	}
	b.mu.Unlock()

	b.afterTransition(ctx, changed)
}

func (b *Breaker) shouldTripLocked() bool {
	if b.failures >= b.settings.FailureThreshold {
		return true
	}
	if b.settings.VolumeThreshold > 0 && b.totalRequests >= b.settings.VolumeThreshold {
		rate := float64(b.errorCount) / float64(b.totalRequests) * 100
		return rate >= b.settings.ErrorThresholdPercentage
	}
	return false
}

type transition struct {
	seq      uint64
	from, to model.BreakerState
	snapshot model.BreakerSnapshot
}

func (b *Breaker) transitionLocked(to model.BreakerState, now time.Time) *transition {
	from := b.state
	b.state = to

	switch to {
	case model.BreakerOpen:
		b.openedAt = now
		b.successes = 0
	case model.BreakerHalfOpen:
		b.successes = 0
	case model.BreakerClosed:
		b.failures = 0
		b.successes = 0
		b.totalRequests = 0
		b.errorCount = 0
		b.windowStart = now
	}

	b.metrics.BreakerTransitions.WithLabelValues(b.name, stateLabel(from), stateLabel(to)).Inc()
	b.metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(to))

	b.seq++
	return &transition{seq: b.seq, from: from, to: to, snapshot: b.snapshotLocked()}
}

// afterTransition runs side effects outside the lock. Effects of a
// transition that was overtaken by a later one are skipped, so the store and
// hooks never end on a stale state.
func (b *Breaker) afterTransition(ctx context.Context, t *transition) {
	if t == nil {
		return
	}

	b.logger.Info("Breaker: state changed", "name", b.name, "from", t.from, "to", t.to)

	b.effectsMu.Lock()
	defer b.effectsMu.Unlock()
	if t.seq <= b.applied {
		b.logger.Debug("Breaker: skipping superseded transition", "name", b.name, "from", t.from, "to", t.to)
		return
	}
	b.applied = t.seq

	if b.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := b.store.SaveBreakerState(pctx, t.snapshot); err != nil {
			b.logger.Warn("Breaker: failed to persist state", "name", b.name, "error", err.Error())
		}
		cancel()
	}

	for _, hook := range b.hooks {
		hook(t.from, t.to)
	}
}

func stateLabel(s model.BreakerState) string {
	switch s {
	case model.BreakerClosed:
		return "closed"
	case model.BreakerOpen:
		return "open"
	case model.BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func stateValue(s model.BreakerState) float64 {
	switch s {
	case model.BreakerOpen:
		return 1
	case model.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}
