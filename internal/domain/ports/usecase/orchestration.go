package usecase

import (
	"context"

	"video-batch-service/internal/domain/model"
)

// BatchView is a batch plus its derived aggregate state, as served on reads.
type BatchView struct {
	Batch  *model.Batch
	Status model.BatchStatus
	Counts model.TaskCounts
}

// BatchManager validates and prices batch requests, reserves credits, fans
// out tasks and derives aggregate status.
type BatchManager interface {
	CreateBatch(ctx context.Context, userID string, spec model.BatchSpec, idempotencyKey string) (*model.Batch, error)
	GetBatch(ctx context.Context, userID, batchID string) (*BatchView, error)
	ListBatches(ctx context.Context, userID string, page, pageSize int) ([]*BatchView, int, error)
	DeleteBatch(ctx context.Context, userID, batchID string) error
}

// TaskService covers per-task operations driven by the user.
type TaskService interface {
	ListTasks(ctx context.Context, userID, batchID string) ([]*model.Task, error)
	RetryTask(ctx context.Context, userID, taskID string) error
	CancelTask(ctx context.Context, userID, taskID string) error
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// LedgerService exposes atomic credit operations. Reserve must be
// serializable per user: two concurrent reservations can never jointly
// overdraw a balance.
type LedgerService interface {
	Reserve(ctx context.Context, userID string, amount int, reason model.CreditReason, refBatchID, refTaskID string) (*model.CreditEntry, error)
	Refund(ctx context.Context, userID string, amount int, reason model.CreditReason, refBatchID, refTaskID string) (*model.CreditEntry, error)
	Adjust(ctx context.Context, userID string, delta int, reason model.CreditReason) (*model.CreditEntry, error)
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditEntry, int, error)
}

// Enqueuer is the producer half of the task runner, injected into the batch
// manager so there is no ambient global queue.
type Enqueuer interface {
	Enqueue(taskIDs ...string) error
}
