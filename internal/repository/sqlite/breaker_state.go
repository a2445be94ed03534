package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dtroode/deskauth/internal/model"
)

func (s *Store) SaveBreakerState(ctx context.Context, snap model.BreakerSnapshot) error {
	const query = `
		INSERT INTO circuit_breaker_state (
			name, state, failures, successes, total_requests, error_count,
			opened_at, last_failure_at, last_success_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			successes = excluded.successes,
			total_requests = excluded.total_requests,
			error_count = excluded.error_count,
			opened_at = excluded.opened_at,
			last_failure_at = excluded.last_failure_at,
			last_success_at = excluded.last_success_at`

	_, err := s.db.ExecContext(ctx, query,
		snap.Name, string(snap.State), snap.Failures, snap.Successes, snap.TotalRequests, snap.ErrorCount,
		nullNanos(snap.OpenedAt), nullNanos(snap.LastFailureAt), nullNanos(snap.LastSuccessAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

func (s *Store) GetBreakerState(ctx context.Context, name string) (model.BreakerSnapshot, error) {
	const query = `
		SELECT name, state, failures, successes, total_requests, error_count,
			opened_at, last_failure_at, last_success_at
		FROM circuit_breaker_state WHERE name = ?`

	var (
		snap                               model.BreakerSnapshot
		state                              string
		openedAt, lastFailure, lastSuccess sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&snap.Name, &state, &snap.Failures, &snap.Successes, &snap.TotalRequests, &snap.ErrorCount,
		&openedAt, &lastFailure, &lastSuccess,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BreakerSnapshot{}, model.ErrNotFound
		}
		return model.BreakerSnapshot{}, fmt.Errorf("failed to get breaker state: %w", err)
	}

	snap.State = model.BreakerState(state)
	snap.OpenedAt = timeFromNull(openedAt)
	snap.LastFailureAt = timeFromNull(lastFailure)
	snap.LastSuccessAt = timeFromNull(lastSuccess)
	return snap, nil
}
