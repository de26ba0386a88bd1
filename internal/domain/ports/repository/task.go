package repository

import (
	"context"
	"time"

	"video-batch-service/internal/domain/model"
)

type TaskRepository interface {
	Save(ctx context.Context, tx Tx, task *model.Task) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Task, error)
	ListByBatch(ctx context.Context, tx Tx, batchID string) ([]*model.Task, error)

	// Claim atomically moves a pending/queued task to running and reports
	// whether this caller won the claim. The winning worker is the sole
	// writer of the task until it reaches a terminal status.
	Claim(ctx context.Context, id string) (bool, error)

	// UpdateStatus applies a transition, enforcing monotonicity at the
	// storage boundary: the row is only touched when the current status
	// admits the transition.
	UpdateStatus(ctx context.Context, tx Tx, id string, from []model.TaskStatus, to model.TaskStatus, errorSummary string) (bool, error)

	SetProviderJobID(ctx context.Context, tx Tx, id, providerJobID string) error
	SetResult(ctx context.Context, tx Tx, id, resultRef string) error
	SoftDelete(ctx context.Context, tx Tx, id string) error

	// ListStuckRunning returns live running tasks whose last update is older
	// than the cutoff; the sweeper fails and refunds them.
	ListStuckRunning(ctx context.Context, tx Tx, olderThan time.Duration) ([]*model.Task, error)
	// ListRecoverable returns live pending/queued task ids for re-enqueue
	// after a restart (the in-process queue does not survive the process).
	ListRecoverable(ctx context.Context) ([]string, error)
}
