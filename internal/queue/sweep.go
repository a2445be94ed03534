package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const purgeBatchSize = 500

// Sweep fails operations stuck in processing past the processing timeout
// and purges terminal operations older than the retention window.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.clock.Now()

	stuck, err := q.store.FailStuckOperations(ctx, now.Add(-q.cfg.ProcessingTimeout), "processing timeout exceeded", now)
	if err != nil {
		q.logger.Error("Queue: failed to reclaim stuck operations", "error", err.Error())
	} else if stuck > 0 {
		q.metrics.CleanupDeleted.WithLabelValues("queue_stuck").Add(float64(stuck))
		q.logger.Warn("Queue: reclaimed stuck operations", "count", stuck)
	}

	for {
		purged, err := q.purgeBatch(ctx, now.Add(-q.cfg.Retention))
		if err != nil {
			q.logger.Error("Queue: failed to purge terminal operations", "error", err.Error())
			break
		}
		if purged < purgeBatchSize {
			break
		}
	}

	if pending, err := q.store.CountPendingOperations(ctx); err == nil {
		q.metrics.QueuePending.Set(float64(pending))
	}
}

// purgeBatch deletes one batch of terminal operations finished before
// cutoff. Rows are kept when archiving them fails.
func (q *Queue) purgeBatch(ctx context.Context, cutoff time.Time) (int, error) {
	ops, err := q.store.ListTerminalOperations(ctx, cutoff, purgeBatchSize)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	if q.archiver != nil {
		if err := q.archiver.ArchiveOperations(ctx, ops); err != nil {
			return 0, fmt.Errorf("failed to archive operations: %w", err)
		}
	}

	ids := make([]uuid.UUID, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := q.store.DeleteOperations(ctx, ids); err != nil {
		return 0, err
	}

	q.metrics.CleanupDeleted.WithLabelValues("queue_purged").Add(float64(len(ops)))
	q.logger.Debug("Queue: purged terminal operations", "count", len(ops))

	return len(ops), nil
}
