package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/deskauth/internal/model"
)

var _ model.QueueStore = (*QueueRepository)(nil)

const queueColumns = `id, seq, tenant_id, priority, type, payload, status, attempts, max_attempts,
            scheduled_for, error, result, created_at, updated_at, started_at, finished_at`

// enqueueLockKey serialises enqueues that check the pending bound.
const enqueueLockKey int64 = 0x64657361

type QueueRepository struct {
	db *Connection
}

func NewQueueRepository(db *Connection) *QueueRepository {
	return &QueueRepository{db: db}
}

func scanOperation(row pgx.Row) (model.QueuedOperation, error) {
	var (
		op             model.QueuedOperation
		priority       int
		opType, status string
	)
	err := row.Scan(
		&op.ID, &op.Seq, &op.TenantID, &priority, &opType, &op.Payload, &status, &op.Attempts, &op.MaxAttempts,
		&op.ScheduledFor, &op.Error, &op.Result, &op.CreatedAt, &op.UpdatedAt, &op.StartedAt, &op.FinishedAt,
	)
	op.Priority = model.Priority(priority)
	op.Type = model.Operation(opType)
	op.Status = model.QueueStatus(status)
	return op, err
}

func collectOperations(rows pgx.Rows) ([]model.QueuedOperation, error) {
	defer rows.Close()

	var ops []model.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queued operations: %w", err)
	}
	return ops, nil
}

// EnqueueOperation holds a transaction-scoped advisory lock while counting
// so concurrent enqueues cannot overshoot maxPending.
func (r *QueueRepository) EnqueueOperation(ctx context.Context, op model.QueuedOperation, maxPending int) (model.QueuedOperation, error) {
	const query = `
        INSERT INTO request_queue (
            id, tenant_id, priority, type, payload, status, attempts, max_attempts,
            scheduled_for, error, created_at, updated_at
        )
        SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,'',$10,$10
        WHERE $11::int <= 0 OR (SELECT COUNT(*) FROM request_queue WHERE status = 'pending') < $11::int
        RETURNING seq
    `

	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	op.Status = model.QueueStatusPending
	op.UpdatedAt = op.CreatedAt

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, enqueueLockKey); err != nil {
			return fmt.Errorf("failed to lock queue: %w", err)
		}
		return tx.QueryRow(ctx, query,
			op.ID, op.TenantID, int(op.Priority), string(op.Type), op.Payload, string(op.Status), op.Attempts,
			op.MaxAttempts, op.ScheduledFor, op.CreatedAt, maxPending,
		).Scan(&op.Seq)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueuedOperation{}, model.ErrQueueFull
		}
		if isUniqueViolation(err) {
			return model.QueuedOperation{}, fmt.Errorf("failed to enqueue operation: %w", model.ErrConflict)
		}
		return model.QueuedOperation{}, fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return op, nil
}

// ClaimOperations skips rows locked by other claimers so several workers
// may share the table.
func (r *QueueRepository) ClaimOperations(ctx context.Context, now time.Time, limit int) ([]model.QueuedOperation, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
        UPDATE request_queue SET status = 'processing', started_at = $1, updated_at = $1
        WHERE id IN (
            SELECT id FROM request_queue
            WHERE status = 'pending' AND scheduled_for <= $1 AND attempts < max_attempts
            ORDER BY priority DESC, created_at ASC, seq ASC
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim operations: %w", err)
	}

	ops, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}
	model.SortForDispatch(ops)
	return ops, nil
}

func (r *QueueRepository) CompleteOperation(ctx context.Context, id uuid.UUID, result []byte, at time.Time) error {
	const query = `
        UPDATE request_queue
        SET status = 'completed', result = $2, error = '', finished_at = $3, updated_at = $3
        WHERE id = $1 AND status = 'processing'
    `
	return r.execProcessing(ctx, "complete", query, id, result, at)
}

func (r *QueueRepository) FailOperation(ctx context.Context, id uuid.UUID, attempts int, errMsg string, at time.Time) error {
	const query = `
        UPDATE request_queue
        SET status = 'failed', attempts = $2, error = $3, finished_at = $4, updated_at = $4
        WHERE id = $1 AND status = 'processing'
    `
	return r.execProcessing(ctx, "fail", query, id, attempts, errMsg, at)
}

func (r *QueueRepository) RescheduleOperation(ctx context.Context, id uuid.UUID, attempts int, scheduledFor time.Time, errMsg string, at time.Time) error {
	const query = `
        UPDATE request_queue
        SET status = 'pending', attempts = $2, scheduled_for = $3, error = $4, started_at = NULL, updated_at = $5
        WHERE id = $1 AND status = 'processing'
    `
	return r.execProcessing(ctx, "reschedule", query, id, attempts, scheduledFor, errMsg, at)
}

// execProcessing runs a transition that only applies to processing rows.
// ErrNotFound means the row is gone or was reclaimed by the sweep.
func (r *QueueRepository) execProcessing(ctx context.Context, action, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s operation: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s operation: %w", action, model.ErrNotFound)
	}
	return nil
}

func (r *QueueRepository) CancelOperation(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `
        UPDATE request_queue
        SET status = 'cancelled', finished_at = $2, updated_at = $2
        WHERE id = $1 AND status = 'pending'
    `

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to cancel operation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.GetOperation(ctx, id); err != nil {
		return err
	}
	return model.ErrNotCancellable
}

func (r *QueueRepository) GetOperation(ctx context.Context, id uuid.UUID) (model.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM request_queue WHERE id = $1`

	op, err := scanOperation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueuedOperation{}, model.ErrNotFound
		}
		return model.QueuedOperation{}, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

func (r *QueueRepository) CountPendingOperations(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM request_queue WHERE status = 'pending'`

	var n int
	if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

func (r *QueueRepository) FailStuckOperations(ctx context.Context, startedBefore time.Time, errMsg string, at time.Time) (int64, error) {
	const query = `
        UPDATE request_queue
        SET status = 'failed', attempts = attempts + 1, error = $2, finished_at = $3, updated_at = $3
        WHERE status = 'processing' AND started_at < $1
    `

	tag, err := r.db.Exec(ctx, query, startedBefore, errMsg, at)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck operations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *QueueRepository) ListTerminalOperations(ctx context.Context, finishedBefore time.Time, limit int) ([]model.QueuedOperation, error) {
	query := `
        SELECT ` + queueColumns + `
        FROM request_queue
        WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < $1
        ORDER BY finished_at ASC
        LIMIT $2
    `

	rows, err := r.db.Query(ctx, query, finishedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal operations: %w", err)
	}
	return collectOperations(rows)
}

func (r *QueueRepository) DeleteOperations(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `DELETE FROM request_queue WHERE id = ANY($1)`

	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}
