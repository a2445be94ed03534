// Package queue paces regulated work behind admission control. Operations
// are dispatched by priority, then enqueue order, to at most MaxConcurrent
// handlers at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
)

// Handler executes one queued operation and returns its result.
type Handler interface {
	Handle(ctx context.Context, op model.QueuedOperation) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, op model.QueuedOperation) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, op model.QueuedOperation) ([]byte, error) {
	return f(ctx, op)
}

// Admission paces regulated operations per tenant and learns from their
// outcomes.
type Admission interface {
	TimeUntilNextAllowed(ctx context.Context, tenantID string, op model.Operation) time.Duration
	// Headroom is the number of further successful attempts admitted now.
	Headroom(ctx context.Context, tenantID string, op model.Operation) int
	RecordAttempt(ctx context.Context, tenantID string, op model.Operation, success, throttled bool)
}

// Gate reports whether a shared dependency accepts calls, such as a circuit
// breaker.
type Gate interface {
	Ready() (bool, time.Duration)
}

// Archiver keeps purged terminal operations somewhere outside the queue.
type Archiver interface {
	ArchiveOperations(ctx context.Context, ops []model.QueuedOperation) error
}

// Config tunes a Queue.
type Config struct {
	MaxConcurrent int
	// MaxRetries is the number of attempts an operation gets.
	MaxRetries        int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	ProcessingTimeout time.Duration
	// Retention keeps terminal operations for this long before purging.
	Retention time.Duration
	// MaxPending bounds pending operations; the store rejects enqueues
	// beyond it with model.ErrQueueFull.
	MaxPending    int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// DispatchRate caps dispatches per second across all tenants. Zero
	// disables the cap.
	DispatchRate  float64
	DispatchBurst int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     2,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		MaxRetryDelay:     5 * time.Minute,
		ProcessingTimeout: 5 * time.Minute,
		Retention:         24 * time.Hour,
		MaxPending:        10000,
		PollInterval:      time.Second,
		SweepInterval:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.MaxPending <= 0 {
		c.MaxPending = def.MaxPending
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
	return c
}

// Option configures a Queue.
type Option func(*Queue)

// WithAdmission defers operations the coordinator would currently deny.
func WithAdmission(a Admission) Option {
	return func(q *Queue) { q.admission = a }
}

// WithSelfRecorded marks operation types whose handlers report their own
// attempts to admission control. The queue does not record them again.
func WithSelfRecorded(ops ...model.Operation) Option {
	return func(q *Queue) {
		for _, op := range ops {
			q.selfRecorded[op] = true
		}
	}
}

// WithGate defers operations of type op while g is closed.
func WithGate(op model.Operation, g Gate) Option {
	return func(q *Queue) { q.gates[op] = g }
}

// WithArchiver archives terminal operations before they are purged.
func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

// Queue is safe for concurrent use.
type Queue struct {
	store        model.QueueStore
	clock        model.Clock
	metrics      *metrics.Metrics
	logger       *logger.Logger
	cfg          Config
	admission    Admission
	selfRecorded map[model.Operation]bool
	gates        map[model.Operation]Gate
	archiver     Archiver
	limiter      *rate.Limiter

	mu       sync.RWMutex
	handlers map[model.Operation]Handler

	inflightMu sync.Mutex
	inflight   map[inflightKey]int

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

type inflightKey struct {
	tenantID string
	op       model.Operation
}

func New(store model.QueueStore, cfg Config, clock model.Clock, m *metrics.Metrics, logger *logger.Logger, opts ...Option) *Queue {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}

	q := &Queue{
		store:        store,
		clock:        clock,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
		selfRecorded: make(map[model.Operation]bool),
		gates:        make(map[model.Operation]Gate),
		limiter:      rate.NewLimiter(limit, cfg.DispatchBurst),
		handlers:     make(map[model.Operation]Handler),
		inflight:     make(map[inflightKey]int),
		slots:        make(chan struct{}, cfg.MaxConcurrent),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle registers h for operations of type op.
func (q *Queue) Handle(op model.Operation, h Handler) {
	q.mu.Lock()
	q.handlers[op] = h
	q.mu.Unlock()
}

func (q *Queue) handler(op model.Operation) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[op]
	return h, ok
}

// EnqueueRequest describes an operation to enqueue.
type EnqueueRequest struct {
	TenantID string
	Type     model.Operation
	// Priority defaults to model.PriorityNormal.
	Priority model.Priority
	Payload  []byte
	// ScheduledFor delays the first dispatch. Zero means now.
	ScheduledFor time.Time
}

// Enqueue adds an operation in pending state.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (model.QueuedOperation, error) {
	if req.TenantID == "" {
		return model.QueuedOperation{}, model.NewValidationError("tenant id", "must not be empty")
	}
	if _, ok := q.handler(req.Type); !ok {
		return model.QueuedOperation{}, model.NewValidationError("operation type", fmt.Sprintf("no handler for %q", req.Type))
	}
	if req.Priority == 0 {
		req.Priority = model.PriorityNormal
	}
	if req.Priority < model.PriorityLow || req.Priority > model.PriorityHigh {
		return model.QueuedOperation{}, model.NewValidationError("priority", fmt.Sprintf("must be within [%d, %d]", model.PriorityLow, model.PriorityHigh))
	}

	now := q.clock.Now()
	scheduled := req.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}

	op, err := q.store.EnqueueOperation(ctx, model.QueuedOperation{
		ID:           uuid.New(),
		TenantID:     req.TenantID,
		Priority:     req.Priority,
		Type:         req.Type,
		Payload:      req.Payload,
		MaxAttempts:  q.cfg.MaxRetries,
		ScheduledFor: scheduled,
		CreatedAt:    now,
	}, q.cfg.MaxPending)
	if err != nil {
		if errors.Is(err, model.ErrQueueFull) {
			q.logger.Warn("Queue: rejecting operation, queue is full",
				"tenant", req.TenantID, "operation", req.Type, "max_pending", q.cfg.MaxPending)
			return model.QueuedOperation{}, err
		}
		return model.QueuedOperation{}, &model.StorageError{Op: "enqueue operation", Err: err}
	}

	if pending, err := q.store.CountPendingOperations(ctx); err == nil {
		q.metrics.QueuePending.Set(float64(pending))
	}
	q.logger.Debug("Queue: operation enqueued",
		"id", op.ID, "tenant", op.TenantID, "operation", op.Type, "priority", op.Priority)
	q.notify()

	return op, nil
}

// ScheduleRefresh enqueues a high priority background refresh of tenant's
// access token, dispatched no earlier than at.
func (q *Queue) ScheduleRefresh(ctx context.Context, tenantID string, at time.Time) (model.QueuedOperation, error) {
	return q.Enqueue(ctx, EnqueueRequest{
		TenantID:     tenantID,
		Type:         model.OperationRefresh,
		Priority:     model.PriorityHigh,
		ScheduledFor: at,
	})
}

// Cancel cancels a pending operation. Operations that already started or
// finished yield model.ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := q.store.CancelOperation(ctx, id, q.clock.Now()); err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrNotCancellable) {
			return err
		}
		return &model.StorageError{Op: "cancel operation", Err: err}
	}
	q.logger.Info("Queue: operation cancelled", "id", id)
	return nil
}

// Get returns an operation with its current status.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (model.QueuedOperation, error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.QueuedOperation{}, err
		}
		return model.QueuedOperation{}, &model.StorageError{Op: "get operation", Err: err}
	}
	return op, nil
}

// Run dispatches and sweeps until ctx is done, then waits for in-flight
// handlers to finish.
func (q *Queue) Run(ctx context.Context) error {
	poll := time.NewTicker(q.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer sweep.Stop()

	q.logger.Info("Queue: started",
		"max_concurrent", q.cfg.MaxConcurrent, "max_retries", q.cfg.MaxRetries, "max_pending", q.cfg.MaxPending)

	for {
		if _, err := q.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("Queue: dispatch failed", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.logger.Info("Queue: stopped")
			return nil
		case <-sweep.C:
			q.Sweep(ctx)
		case <-poll.C:
		case <-q.wake:
		}
	}
}

// DispatchOnce claims as many eligible operations as there are free slots
// and starts their handlers. It returns the started operations in dispatch
// order.
func (q *Queue) DispatchOnce(ctx context.Context) ([]model.QueuedOperation, error) {
	free := q.cfg.MaxConcurrent - len(q.slots)
	if free <= 0 {
		return nil, nil
	}

	ops, err := q.store.ClaimOperations(ctx, q.clock.Now(), free)
	if err != nil {
		return nil, fmt.Errorf("failed to claim operations: %w", err)
	}

	started := make([]model.QueuedOperation, 0, len(ops))
	for i, op := range ops {
		if reason, wait, ok := q.admit(ctx, op); !ok {
			q.deferOp(ctx, op, reason, wait)
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			for _, rest := range ops[i:] {
				q.deferOp(ctx, rest, "shutdown", 0)
			}
			return started, nil
		}

		q.slots <- struct{}{}
		q.track(op, 1)
		q.metrics.QueueInFlight.Inc()
		q.wg.Add(1)
		go q.execute(ctx, op)

		started = append(started, op)
	}
	return started, nil
}

// admit re-checks admission right before dispatch.
func (q *Queue) admit(ctx context.Context, op model.QueuedOperation) (string, time.Duration, bool) {
	if g, ok := q.gates[op.Type]; ok {
		if ready, wait := g.Ready(); !ready {
			return "circuit_open", wait, false
		}
	}
	if q.admission != nil {
		if wait := q.admission.TimeUntilNextAllowed(ctx, op.TenantID, op.Type); wait > 0 {
			return "rate_limited", wait, false
		}
		// Running handlers have not reported yet; each holds a share of the
		// remaining quota.
		if q.inFlight(op) >= q.admission.Headroom(ctx, op.TenantID, op.Type) {
			return "rate_limited", q.cfg.PollInterval, false
		}
	}
	return "", 0, true
}

func (q *Queue) track(op model.QueuedOperation, delta int) {
	key := inflightKey{tenantID: op.TenantID, op: op.Type}
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	if n := q.inflight[key] + delta; n > 0 {
		q.inflight[key] = n
	} else {
		delete(q.inflight, key)
	}
}

func (q *Queue) inFlight(op model.QueuedOperation) int {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	return q.inflight[inflightKey{tenantID: op.TenantID, op: op.Type}]
}

// deferOp returns a claimed operation to pending without spending an attempt.
func (q *Queue) deferOp(ctx context.Context, op model.QueuedOperation, reason string, wait time.Duration) {
	now := q.clock.Now()
	err := q.store.RescheduleOperation(context.WithoutCancel(ctx), op.ID, op.Attempts, now.Add(wait), reason, now)
	if err != nil {
		q.logger.Error("Queue: failed to defer operation", "id", op.ID, "reason", reason, "error", err.Error())
		return
	}
	q.metrics.QueueDeferred.WithLabelValues(string(op.Type), reason).Inc()
	q.logger.Debug("Queue: operation deferred",
		"id", op.ID, "tenant", op.TenantID, "operation", op.Type, "reason", reason, "wait", wait)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
