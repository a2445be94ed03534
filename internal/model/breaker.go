package model

import (
	"context"
	"time"
)

// BreakerState is a circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSnapshot is a read-only copy of a breaker's counters.
type BreakerSnapshot struct {
	Name          string
	State         BreakerState
	Failures      int
	Successes     int
	TotalRequests int
	ErrorCount    int
	OpenedAt      time.Time
	LastFailureAt time.Time
	LastSuccessAt time.Time
}

// BreakerStateStore persists breaker snapshots.
type BreakerStateStore interface {
	SaveBreakerState(ctx context.Context, snapshot BreakerSnapshot) error
	GetBreakerState(ctx context.Context, name string) (BreakerSnapshot, error)
}
