package model

import (
	"context"
	"time"
)

// Operation is a regulated operation class.
type Operation string

const (
	OperationRefresh Operation = "token_refresh"
	OperationAPICall Operation = "api_call"
)

// Attempt is one entry of a tenant's rate window log.
type Attempt struct {
	TenantID  string
	Operation Operation
	At        time.Time
	Success   bool
	Throttled bool
}

// RateLogStore mirrors rate window logs so quota usage survives restarts.
type RateLogStore interface {
	AppendRateAttempt(ctx context.Context, attempt Attempt) error
	ListRateAttempts(ctx context.Context, tenantID string, since time.Time) ([]Attempt, error)
	DeleteRateAttempts(ctx context.Context, before time.Time) (int64, error)
}
