package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dtroode/deskauth/internal/model"
)

var _ model.RateLogStore = (*RateLogRepository)(nil)

type RateLogRepository struct {
	db *Connection
}

func NewRateLogRepository(db *Connection) *RateLogRepository {
	return &RateLogRepository{db: db}
}

func (r *RateLogRepository) AppendRateAttempt(ctx context.Context, a model.Attempt) error {
	const query = `
        INSERT INTO rate_limit_log (tenant_id, operation, ts, success, throttled)
        VALUES ($1,$2,$3,$4,$5)
    `
	if _, err := r.db.Exec(ctx, query, a.TenantID, string(a.Operation), a.At, a.Success, a.Throttled); err != nil {
		return fmt.Errorf("failed to append rate attempt: %w", err)
	}
	return nil
}

func (r *RateLogRepository) ListRateAttempts(ctx context.Context, tenantID string, since time.Time) ([]model.Attempt, error) {
	const query = `
        SELECT tenant_id, operation, ts, success, throttled
        FROM rate_limit_log
        WHERE tenant_id = $1 AND ts > $2
        ORDER BY ts ASC, id ASC
    `

	rows, err := r.db.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var (
			a  model.Attempt
			op string
		)
		if err := rows.Scan(&a.TenantID, &op, &a.At, &a.Success, &a.Throttled); err != nil {
			return nil, fmt.Errorf("failed to scan rate attempt: %w", err)
		}
		a.Operation = model.Operation(op)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rate attempts: %w", err)
	}
	return attempts, nil
}

func (r *RateLogRepository) DeleteRateAttempts(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM rate_limit_log WHERE ts < $1`

	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
