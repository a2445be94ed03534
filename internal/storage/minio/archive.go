package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/model"
)

// archivedOperation is the JSON line written per operation. Payloads and
// results are left out since they may reference tenant data.
type archivedOperation struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Type        model.Operation   `json:"type"`
	Priority    model.Priority    `json:"priority"`
	Status      model.QueueStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Archive writes batches of purged queue operations to object storage as
// JSON lines, one object per batch.
type Archive struct {
	storage model.ObjectStorage
	prefix  string
	clock   model.Clock
	logger  *logger.Logger
}

func NewArchive(storage model.ObjectStorage, prefix string, clock model.Clock, logger *logger.Logger) *Archive {
	return &Archive{
		storage: storage,
		prefix:  prefix,
		clock:   clock,
		logger:  logger,
	}
}

// ArchiveOperations uploads ops under prefix/YYYY/MM/DD/<unix>-<first id>.jsonl.
func (a *Archive) ArchiveOperations(ctx context.Context, ops []model.QueuedOperation) error {
	if len(ops) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		if err := enc.Encode(toArchived(op)); err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
	}

	key := a.key(ops[0].ID)
	if err := a.storage.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return fmt.Errorf("failed to archive operations: %w", err)
	}

	a.logger.Info("Archive: operations archived", "key", key, "count", len(ops))
	return nil
}

func (a *Archive) key(first uuid.UUID) string {
	now := a.clock.Now().UTC()
	name := fmt.Sprintf("%d-%s.jsonl", now.Unix(), first)
	return path.Join(a.prefix, now.Format("2006/01/02"), name)
}

func toArchived(op model.QueuedOperation) archivedOperation {
	return archivedOperation{
		ID:          op.ID,
		TenantID:    op.TenantID,
		Type:        op.Type,
		Priority:    op.Priority,
		Status:      op.Status,
		Attempts:    op.Attempts,
		MaxAttempts: op.MaxAttempts,
		Error:       op.Error,
		CreatedAt:   op.CreatedAt,
		StartedAt:   op.StartedAt,
		FinishedAt:  op.FinishedAt,
	}
}
