package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/deskauth/internal/model"
)

var _ model.BreakerStateStore = (*BreakerStateRepository)(nil)

type BreakerStateRepository struct {
	db *Connection
}

func NewBreakerStateRepository(db *Connection) *BreakerStateRepository {
	return &BreakerStateRepository{db: db}
}

func (r *BreakerStateRepository) SaveBreakerState(ctx context.Context, s model.BreakerSnapshot) error {
	const query = `
        INSERT INTO circuit_breaker_state (
            name, state, failures, successes, total_requests, error_count,
            opened_at, last_failure_at, last_success_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
        ON CONFLICT (name) DO UPDATE SET
            state = EXCLUDED.state,
            failures = EXCLUDED.failures,
            successes = EXCLUDED.successes,
            total_requests = EXCLUDED.total_requests,
            error_count = EXCLUDED.error_count,
            opened_at = EXCLUDED.opened_at,
            last_failure_at = EXCLUDED.last_failure_at,
            last_success_at = EXCLUDED.last_success_at,
            updated_at = NOW()
    `

	_, err := r.db.Exec(ctx, query,
		s.Name, string(s.State), s.Failures, s.Successes, s.TotalRequests, s.ErrorCount,
		nullTime(s.OpenedAt), nullTime(s.LastFailureAt), nullTime(s.LastSuccessAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

func (r *BreakerStateRepository) GetBreakerState(ctx context.Context, name string) (model.BreakerSnapshot, error) {
	const query = `
        SELECT name, state, failures, successes, total_requests, error_count,
            opened_at, last_failure_at, last_success_at
        FROM circuit_breaker_state WHERE name = $1
    `

	var (
		s                                  model.BreakerSnapshot
		state                              string
		openedAt, lastFailure, lastSuccess *time.Time
	)
	err := r.db.QueryRow(ctx, query, name).Scan(
		&s.Name, &state, &s.Failures, &s.Successes, &s.TotalRequests, &s.ErrorCount,
		&openedAt, &lastFailure, &lastSuccess,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BreakerSnapshot{}, model.ErrNotFound
		}
		return model.BreakerSnapshot{}, fmt.Errorf("failed to get breaker state: %w", err)
	}

	s.State = model.BreakerState(state)
	s.OpenedAt = derefTime(openedAt)
	s.LastFailureAt = derefTime(lastFailure)
	s.LastSuccessAt = derefTime(lastSuccess)
	return s, nil
}
