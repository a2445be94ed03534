package model

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Priority is the dispatch weight of a queued operation.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// QueueStatus is the lifecycle state of a queued operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// QueuedOperation is a unit of regulated work.
type QueuedOperation struct {
	ID           uuid.UUID
	Seq          int64
	TenantID     string
	Priority     Priority
	Type         Operation
	Payload      []byte
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time
	Status       QueueStatus
	Error        string
	Result       []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// QueueStore persists queued operations.
type QueueStore interface {
	// EnqueueOperation inserts op and returns it with store-assigned fields.
	// It fails with ErrQueueFull when maxPending operations are already
	// pending; maxPending <= 0 disables the bound.
	EnqueueOperation(ctx context.Context, op QueuedOperation, maxPending int) (QueuedOperation, error)
	// ClaimOperations moves up to limit eligible pending operations to
	// processing, ordered by priority descending then enqueue order.
	ClaimOperations(ctx context.Context, now time.Time, limit int) ([]QueuedOperation, error)
	CompleteOperation(ctx context.Context, id uuid.UUID, result []byte, at time.Time) error
	FailOperation(ctx context.Context, id uuid.UUID, attempts int, errMsg string, at time.Time) error
	// RescheduleOperation returns a processing operation to pending.
	RescheduleOperation(ctx context.Context, id uuid.UUID, attempts int, scheduledFor time.Time, errMsg string, at time.Time) error
	// CancelOperation cancels a pending operation, ErrNotCancellable otherwise.
	CancelOperation(ctx context.Context, id uuid.UUID, at time.Time) error
	GetOperation(ctx context.Context, id uuid.UUID) (QueuedOperation, error)
	CountPendingOperations(ctx context.Context) (int, error)
	FailStuckOperations(ctx context.Context, startedBefore time.Time, errMsg string, at time.Time) (int64, error)
	ListTerminalOperations(ctx context.Context, finishedBefore time.Time, limit int) ([]QueuedOperation, error)
	DeleteOperations(ctx context.Context, ids []uuid.UUID) error
}

// SortForDispatch orders ops by priority descending, then enqueue time, then
// enqueue sequence.
func SortForDispatch(ops []QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
