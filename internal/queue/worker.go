package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/dtroode/deskauth/internal/model"
)

// execute runs op's handler and records the outcome. The outcome is written
// even when ctx was cancelled meanwhile so no operation is left processing.
func (q *Queue) execute(ctx context.Context, op model.QueuedOperation) {
	defer func() {
		q.track(op, -1)
		<-q.slots
		q.metrics.QueueInFlight.Dec()
		q.wg.Done()
		q.notify()
	}()

	result, err := q.run(ctx, op)

	wctx := context.WithoutCancel(ctx)
	q.recordAttempt(wctx, op, err)
	if err == nil {
		q.complete(wctx, op, result)
		return
	}
	q.handleFailure(wctx, op, err)
}

func (q *Queue) run(ctx context.Context, op model.QueuedOperation) (result []byte, err error) {
	h, ok := q.handler(op.Type)
	if !ok {
		return nil, model.NewValidationError("operation type", fmt.Sprintf("no handler for %q", op.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queue: handler panicked", "id", op.ID, "operation", op.Type, "panic", r)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, q.cfg.ProcessingTimeout)
	defer cancel()

	result, err = h.Handle(hctx, op)
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		err = &model.TimeoutError{Op: string(op.Type), Timeout: q.cfg.ProcessingTimeout, Err: err}
	}
	return result, err
}

// recordAttempt reports a finished call to admission control. Deferred
// operations never reached upstream and are not recorded.
func (q *Queue) recordAttempt(ctx context.Context, op model.QueuedOperation, err error) {
	if q.admission == nil || q.selfRecorded[op.Type] {
		return
	}
	if err != nil {
		if class, _ := Classify(err); class == ClassDefer {
			return
		}
	}
	q.admission.RecordAttempt(ctx, op.TenantID, op.Type, err == nil, model.IsThrottled(err))
}

func (q *Queue) complete(ctx context.Context, op model.QueuedOperation, result []byte) {
	if err := q.store.CompleteOperation(ctx, op.ID, result, q.clock.Now()); err != nil {
		q.logger.Error("Queue: failed to complete operation", "id", op.ID, "error", err.Error())
		return
	}
	q.metrics.QueueDispatched.WithLabelValues(string(op.Type), "completed").Inc()
	q.logger.Debug("Queue: operation completed", "id", op.ID, "tenant", op.TenantID, "operation", op.Type)
}

func (q *Queue) handleFailure(ctx context.Context, op model.QueuedOperation, callErr error) {
	class, hint := Classify(callErr)
	now := q.clock.Now()

	if class == ClassDefer {
		q.deferOp(ctx, op, deferReason(callErr), hint)
		return
	}

	attempts := op.Attempts + 1
	if class == ClassRetry && attempts < op.MaxAttempts {
		delay := backoff(q.cfg.RetryDelay, q.cfg.MaxRetryDelay, op.Attempts)
		if hint > delay {
			delay = hint
		}
		if err := q.store.RescheduleOperation(ctx, op.ID, attempts, now.Add(delay), callErr.Error(), now); err != nil {
			q.logger.Error("Queue: failed to reschedule operation", "id", op.ID, "error", err.Error())
			return
		}
		q.metrics.QueueDispatched.WithLabelValues(string(op.Type), "retry").Inc()
		q.logger.Warn("Queue: operation failed, retrying",
			"id", op.ID, "tenant", op.TenantID, "operation", op.Type,
			"attempt", attempts, "delay", delay, "error", callErr.Error())
		return
	}

	if err := q.store.FailOperation(ctx, op.ID, attempts, callErr.Error(), now); err != nil {
		q.logger.Error("Queue: failed to mark operation failed", "id", op.ID, "error", err.Error())
		return
	}
	q.metrics.QueueDispatched.WithLabelValues(string(op.Type), "failed").Inc()
	q.logger.Error("Queue: operation failed",
		"id", op.ID, "tenant", op.TenantID, "operation", op.Type,
		"attempts", attempts, "class", class.String(), "error", callErr.Error())
}
