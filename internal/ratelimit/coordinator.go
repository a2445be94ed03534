// Package ratelimit implements per-tenant admission control for regulated
// operations under upstream quotas.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
)

const (
	minAdaptiveRate     = 0.5
	maxAdaptiveRate     = 1.2
	throttleDecrease    = 0.7
	recoveryIncrease    = 1.02
	recoverySuccessRun  = 50
	recoveryQuietPeriod = 5 * time.Minute
	defaultHorizon      = 15 * time.Minute
	defaultSafetyMargin = 1.0
	persistTimeout      = 2 * time.Second
	decisionAllowed     = "allowed"
	decisionDenied      = "denied"
	decisionUnregulated = "unregulated"
)

// Quota allows at most Limit successful attempts per rolling Window.
type Quota struct {
	Limit  int
	Window time.Duration
}

// Policy regulates one operation class. Every quota must have headroom for
// an attempt to be admitted.
type Policy struct {
	Quotas []Quota
	// MinSpacing is the minimum time between two successful attempts.
	MinSpacing time.Duration
}

// Config configures a Coordinator.
type Config struct {
	Policies map[model.Operation]Policy
	// SafetyMargin scales every limit down to leave room for clock skew and
	// callers outside this process. Zero means 1.
	SafetyMargin float64
	// Horizon is how far back attempts are kept. It is raised to the widest
	// configured window when smaller.
	Horizon time.Duration
}

// Coordinator is safe for concurrent use. State for each tenant is guarded by
// that tenant's own mutex.
type Coordinator struct {
	policies     map[model.Operation]Policy
	safetyMargin float64
	horizon      time.Duration

	clock   model.Clock
	store   model.RateLogStore
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu      sync.Mutex
	tenants map[string]*tenantWindows
}

type tenantWindows struct {
	mu       sync.Mutex
	restored bool
	ops      map[model.Operation]*window
}

type window struct {
	attempts     []model.Attempt
	adaptiveRate float64
	consecutive  int
	lastThrottle time.Time
	lastSuccess  time.Time
}

// NewCoordinator creates a Coordinator. store may be nil, in which case
// windows live only in memory.
func NewCoordinator(cfg Config, clock model.Clock, store model.RateLogStore, m *metrics.Metrics, logger *logger.Logger) *Coordinator {
	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = defaultSafetyMargin
	}

	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	for _, p := range cfg.Policies {
		for _, q := range p.Quotas {
			if q.Window > horizon {
				horizon = q.Window
			}
		}
	}

	return &Coordinator{
		policies:     cfg.Policies,
		safetyMargin: margin,
		horizon:      horizon,
		clock:        clock,
		store:        store,
		metrics:      m,
		logger:       logger,
		tenants:      make(map[string]*tenantWindows),
	}
}

// Horizon returns how far back attempts are retained.
func (c *Coordinator) Horizon() time.Duration { return c.horizon }

// CanProceed reports whether op may run for tenant now.
func (c *Coordinator) CanProceed(ctx context.Context, tenantID string, op model.Operation) bool {
	return c.Check(ctx, tenantID, op) == nil
}

// Check admits op for tenant or returns *model.RateLimitExceededError with
// the delay after which it is expected to be admitted.
func (c *Coordinator) Check(ctx context.Context, tenantID string, op model.Operation) error {
	policy, ok := c.policies[op]
	if !ok {
		c.metrics.AdmissionDecisions.WithLabelValues(string(op), decisionUnregulated).Inc()
		return nil
	}

	tw := c.tenant(ctx, tenantID)
	tw.mu.Lock()
	wait := c.waitLocked(tw.window(op), policy, c.clock.Now())
	tw.mu.Unlock()

	if wait > 0 {
		c.metrics.AdmissionDecisions.WithLabelValues(string(op), decisionDenied).Inc()
		return &model.RateLimitExceededError{Tenant: tenantID, Operation: op, RetryAfter: wait}
	}

	c.metrics.AdmissionDecisions.WithLabelValues(string(op), decisionAllowed).Inc()
	return nil
}

// TimeUntilNextAllowed returns how long until op is admitted for tenant,
// or zero when it is admitted now.
func (c *Coordinator) TimeUntilNextAllowed(ctx context.Context, tenantID string, op model.Operation) time.Duration {
	policy, ok := c.policies[op]
	if !ok {
		return 0
	}

	tw := c.tenant(ctx, tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return c.waitLocked(tw.window(op), policy, c.clock.Now())
}

// Headroom returns how many more successful attempts of op tenant may make
// right now before a quota or the spacing rule denies admission.
func (c *Coordinator) Headroom(ctx context.Context, tenantID string, op model.Operation) int {
	policy, ok := c.policies[op]
	if !ok {
		return math.MaxInt
	}

	tw := c.tenant(ctx, tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	w := tw.window(op)
	now := c.clock.Now()
	if c.waitLocked(w, policy, now) > 0 {
		return 0
	}

	headroom := math.MaxInt
	if policy.MinSpacing > 0 {
		headroom = 1
	}
	for _, q := range policy.Quotas {
		used := 0
		for _, a := range w.attempts {
			if a.Success && now.Sub(a.At) < q.Window {
				used++
			}
		}
		if left := c.EffectiveLimit(q.Limit, w.adaptiveRate) - used; left < headroom {
			headroom = left
		}
	}
	return max(headroom, 0)
}

// RecordAttempt appends an outcome to the tenant's window and adapts the
// admission rate. throttled marks an explicit upstream throttling signal.
func (c *Coordinator) RecordAttempt(ctx context.Context, tenantID string, op model.Operation, success, throttled bool) {
	tw := c.tenant(ctx, tenantID)
	tw.mu.Lock()
	now := c.clock.Now()
	attempt := model.Attempt{TenantID: tenantID, Operation: op, At: now, Success: success, Throttled: throttled}
	w := tw.window(op)
	w.attempts = append(w.attempts, attempt)
	c.pruneLocked(w, now)
	c.adaptLocked(w, attempt)
	rate := w.adaptiveRate
	tw.mu.Unlock()

	if throttled {
		c.metrics.ThrottleSignals.WithLabelValues(string(op)).Inc()
		c.logger.Warn("Rate limit coordinator: upstream throttling",
			"tenant", tenantID, "operation", op, "adaptive_rate", rate)
	}

	if c.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := c.store.AppendRateAttempt(pctx, attempt); err != nil {
			c.logger.Warn("Rate limit coordinator: failed to persist attempt",
				"tenant", tenantID, "operation", op, "error", err.Error())
		}
	}
}

// AdaptiveRate returns the current multiplier applied to op's limits.
func (c *Coordinator) AdaptiveRate(ctx context.Context, tenantID string, op model.Operation) float64 {
	tw := c.tenant(ctx, tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.window(op).adaptiveRate
}

// EffectiveLimit returns floor(limit × adaptiveRate × safetyMargin), never
// below one so a configured quota always admits eventually.
func (c *Coordinator) EffectiveLimit(limit int, adaptiveRate float64) int {
	eff := int(math.Floor(float64(limit) * adaptiveRate * c.safetyMargin))
	if eff < 1 {
		return 1
	}
	return eff
}

func (c *Coordinator) waitLocked(w *window, policy Policy, now time.Time) time.Duration {
	c.pruneLocked(w, now)

	var wait time.Duration
	if policy.MinSpacing > 0 && !w.lastSuccess.IsZero() {
		if d := w.lastSuccess.Add(policy.MinSpacing).Sub(now); d > wait {
			wait = d
		}
	}

	for _, q := range policy.Quotas {
		if d := c.quotaWait(w, q, now); d > wait {
			wait = d
		}
	}

	return wait
}

// quotaWait returns how long until the count of successes inside q.Window
// drops below the effective limit.
func (c *Coordinator) quotaWait(w *window, q Quota, now time.Time) time.Duration {
	eff := c.EffectiveLimit(q.Limit, w.adaptiveRate)

	var inWindow []time.Time
	for _, a := range w.attempts {
		if a.Success && now.Sub(a.At) < q.Window {
			inWindow = append(inWindow, a.At)
		}
	}
	if len(inWindow) < eff {
		return 0
	}

	// oldest successes leave first; admission needs fewer than eff left
	leaving := inWindow[len(inWindow)-eff]
	return leaving.Add(q.Window).Sub(now)
}

func (c *Coordinator) pruneLocked(w *window, now time.Time) {
	cutoff := now.Add(-c.horizon)
	i := 0
	for i < len(w.attempts) && !w.attempts[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[i:]...)
	}
}

func (c *Coordinator) adaptLocked(w *window, a model.Attempt) {
	switch {
	case a.Throttled:
		w.adaptiveRate = math.Max(minAdaptiveRate, w.adaptiveRate*throttleDecrease)
		w.lastThrottle = a.At
		w.consecutive = 0
	case a.Success:
		w.lastSuccess = a.At
		w.consecutive++
		quiet := w.lastThrottle.IsZero() || a.At.Sub(w.lastThrottle) >= recoveryQuietPeriod
		if w.consecutive > recoverySuccessRun && quiet {
			w.adaptiveRate = math.Min(maxAdaptiveRate, w.adaptiveRate*recoveryIncrease)
			w.consecutive = 0
		}
	default:
		w.consecutive = 0
	}
}

// tenant returns the tenant's windows, restoring them from the store on
// first use.
func (c *Coordinator) tenant(ctx context.Context, tenantID string) *tenantWindows {
	c.mu.Lock()
	tw, ok := c.tenants[tenantID]
	if !ok {
		tw = &tenantWindows{ops: make(map[model.Operation]*window)}
		c.tenants[tenantID] = tw
	}
	c.mu.Unlock()

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.restored {
		c.restoreLocked(ctx, tenantID, tw)
		tw.restored = true
	}

	return tw
}

func (c *Coordinator) restoreLocked(ctx context.Context, tenantID string, tw *tenantWindows) {
	if c.store == nil {
		return
	}

	now := c.clock.Now()
	attempts, err := c.store.ListRateAttempts(ctx, tenantID, now.Add(-c.horizon))
	if err != nil {
		c.logger.Warn("Rate limit coordinator: failed to restore window",
			"tenant", tenantID, "error", err.Error())
		return
	}

	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].At.Before(attempts[j].At) })
	for _, a := range attempts {
		w := tw.window(a.Operation)
		w.attempts = append(w.attempts, a)
		c.adaptLocked(w, a)
	}

	if len(attempts) > 0 {
		c.logger.Debug("Rate limit coordinator: restored window",
			"tenant", tenantID, "attempts", len(attempts))
	}
}

func (tw *tenantWindows) window(op model.Operation) *window {
	w, ok := tw.ops[op]
	if !ok {
		w = &window{adaptiveRate: 1}
		tw.ops[op] = w
	}
	return w
}
