package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/dtroode/deskauth/internal/model"
)

func (s *Store) AppendRateAttempt(ctx context.Context, a model.Attempt) error {
	const query = `INSERT INTO rate_limit_log (tenant_id, operation, ts, success, throttled) VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, a.TenantID, string(a.Operation), toNanos(a.At), a.Success, a.Throttled); err != nil {
		return fmt.Errorf("failed to append rate attempt: %w", err)
	}
	return nil
}

func (s *Store) ListRateAttempts(ctx context.Context, tenantID string, since time.Time) ([]model.Attempt, error) {
	const query = `
		SELECT tenant_id, operation, ts, success, throttled
		FROM rate_limit_log
		WHERE tenant_id = ? AND ts > ?
		ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list rate attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var (
			a  model.Attempt
			op string
			ts int64
		)
		if err := rows.Scan(&a.TenantID, &op, &ts, &a.Success, &a.Throttled); err != nil {
			return nil, fmt.Errorf("failed to scan rate attempt: %w", err)
		}
		a.Operation = model.Operation(op)
		a.At = fromNanos(ts)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rate attempts: %w", err)
	}
	return attempts, nil
}

func (s *Store) DeleteRateAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_log WHERE ts < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rate attempts: %w", err)
	}
	return n, nil
}
