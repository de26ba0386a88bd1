package repository

import (
	"context"

	"video-batch-service/internal/domain/model"
)

type BatchRepository interface {
	Save(ctx context.Context, tx Tx, batch *model.Batch) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Batch, error)
	// ListByUser returns non-deleted batches newest first, ordered by
	// (created_at, id) so pages stay deterministic, plus the total count.
	ListByUser(ctx context.Context, tx Tx, userID string, offset, limit int) ([]*model.Batch, int, error)
	// TaskCounts returns the status histogram of the batch's live tasks.
	TaskCounts(ctx context.Context, tx Tx, batchID string) (model.TaskCounts, error)
	// SoftDelete marks the batch and all of its tasks deleted.
	SoftDelete(ctx context.Context, tx Tx, batchID string) error
}
