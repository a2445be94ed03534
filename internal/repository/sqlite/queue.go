package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/deskauth/internal/model"
)

const queueColumns = `id, seq, tenant_id, priority, type, payload, status, attempts, max_attempts,
		scheduled_for, error, result, created_at, updated_at, started_at, finished_at`

func scanOperation(row rowScanner) (model.QueuedOperation, error) {
	var (
		op                                 model.QueuedOperation
		priority                           int
		opType, status                     string
		scheduledFor, createdAt, updatedAt int64
		startedAt, finishedAt              sql.NullInt64
	)
	err := row.Scan(
		&op.ID, &op.Seq, &op.TenantID, &priority, &opType, &op.Payload, &status, &op.Attempts, &op.MaxAttempts,
		&scheduledFor, &op.Error, &op.Result, &createdAt, &updatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return model.QueuedOperation{}, err
	}

	op.Priority = model.Priority(priority)
	op.Type = model.Operation(opType)
	op.Status = model.QueueStatus(status)
	op.ScheduledFor = fromNanos(scheduledFor)
	op.CreatedAt = fromNanos(createdAt)
	op.UpdatedAt = fromNanos(updatedAt)
	op.StartedAt = timePtrFromNull(startedAt)
	op.FinishedAt = timePtrFromNull(finishedAt)
	return op, nil
}

func collectOperations(rows *sql.Rows) ([]model.QueuedOperation, error) {
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

func (s *Store) EnqueueOperation(ctx context.Context, op model.QueuedOperation, maxPending int) (model.QueuedOperation, error) {
	const query = `
		INSERT INTO request_queue (
			id, seq, tenant_id, priority, type, payload, status, attempts, max_attempts,
			scheduled_for, error, created_at, updated_at
		)
		SELECT ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM request_queue), ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?
		WHERE ? <= 0 OR (SELECT COUNT(*) FROM request_queue WHERE status = 'pending') < ?
		RETURNING seq`

	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	op.Status = model.QueueStatusPending
	op.UpdatedAt = op.CreatedAt
	created := toNanos(op.CreatedAt)

	err := s.db.QueryRowContext(ctx, query,
		op.ID.String(), op.TenantID, int(op.Priority), string(op.Type), op.Payload, string(op.Status),
		op.Attempts, op.MaxAttempts, toNanos(op.ScheduledFor), created, created,
		maxPending, maxPending,
	).Scan(&op.Seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueuedOperation{}, model.ErrQueueFull
		}
		if isUniqueViolation(err) {
			return model.QueuedOperation{}, fmt.Errorf("failed to enqueue operation: %w", model.ErrConflict)
		}
		return model.QueuedOperation{}, fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return op, nil
}

func (s *Store) ClaimOperations(ctx context.Context, now time.Time, limit int) ([]model.QueuedOperation, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE request_queue SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM request_queue
			WHERE status = 'pending' AND scheduled_for <= ? AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT ?
		)
		RETURNING ` + queueColumns

	n := toNanos(now)
	rows, err := s.db.QueryContext(ctx, query, n, n, n, limit)
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

func (s *Store) CompleteOperation(ctx context.Context, id uuid.UUID, result []byte, at time.Time) error {
	const query = `
		UPDATE request_queue
		SET status = 'completed', result = ?, error = '', finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`

	n := toNanos(at)
	return s.execProcessing(ctx, "complete", query, result, n, n, id.String())
}

func (s *Store) FailOperation(ctx context.Context, id uuid.UUID, attempts int, errMsg string, at time.Time) error {
	const query = `
		UPDATE request_queue
		SET status = 'failed', attempts = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`

	n := toNanos(at)
	return s.execProcessing(ctx, "fail", query, attempts, errMsg, n, n, id.String())
}

func (s *Store) RescheduleOperation(ctx context.Context, id uuid.UUID, attempts int, scheduledFor time.Time, errMsg string, at time.Time) error {
	const query = `
		UPDATE request_queue
		SET status = 'pending', attempts = ?, scheduled_for = ?, error = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`

	return s.execProcessing(ctx, "reschedule", query, attempts, toNanos(scheduledFor), errMsg, toNanos(at), id.String())
}

// execProcessing runs a transition that only applies to processing rows.
// ErrNotFound means the row is gone or was reclaimed by the sweep.
func (s *Store) execProcessing(ctx context.Context, action, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s operation: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s operation: %w", action, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s operation: %w", action, model.ErrNotFound)
	}
	return nil
}

func (s *Store) CancelOperation(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `
		UPDATE request_queue
		SET status = 'cancelled', finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`

	n := toNanos(at)
	res, err := s.db.ExecContext(ctx, query, n, n, id.String())
	if err != nil {
		return fmt.Errorf("failed to cancel operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to cancel operation: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetOperation(ctx, id); err != nil {
		return err
	}
	return model.ErrNotCancellable
}

func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (model.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM request_queue WHERE id = ?`

	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueuedOperation{}, model.ErrNotFound
		}
		return model.QueuedOperation{}, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

func (s *Store) CountPendingOperations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

func (s *Store) FailStuckOperations(ctx context.Context, startedBefore time.Time, errMsg string, at time.Time) (int64, error) {
	const query = `
		UPDATE request_queue
		SET status = 'failed', attempts = attempts + 1, error = ?, finished_at = ?, updated_at = ?
		WHERE status = 'processing' AND started_at < ?`

	n := toNanos(at)
	res, err := s.db.ExecContext(ctx, query, errMsg, n, n, toNanos(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck operations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck operations: %w", err)
	}
	return affected, nil
}

func (s *Store) ListTerminalOperations(ctx context.Context, finishedBefore time.Time, limit int) ([]model.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + `
		FROM request_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < ?
		ORDER BY finished_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, toNanos(finishedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal operations: %w", err)
	}
	return collectOperations(rows)
}

func (s *Store) DeleteOperations(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}

	query := `DELETE FROM request_queue WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}
