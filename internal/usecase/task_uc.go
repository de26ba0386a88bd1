package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
	"video-batch-service/internal/domain/ports/usecase"
	"video-batch-service/internal/infra/logging"
	"video-batch-service/internal/infra/metrics"
	redisinfra "video-batch-service/internal/infra/redis"
)

var _ usecase.TaskService = (*TaskUseCase)(nil)

// stuckRunningAfter is how long a task may sit in running before it is
// presumed lost (worker died between claim and terminal write) and reaped.
const stuckRunningAfter = 30 * time.Minute

// TaskUseCase covers user-driven task operations plus the reaping duties
// shared by the lazy path (on listing) and the background sweeper.
type TaskUseCase struct {
	tasks   repository.TaskRepository
	batches repository.BatchRepository
	entries repository.LedgerRepository
	idem    repository.IdempotencyRepository
	tm      repository.TransactionManager
	locker  repository.UserLocker
	cache   *redisinfra.BalanceCache
	queue   usecase.Enqueuer
	limits  config.LimitsConfig
	log     *zerolog.Logger
}

func NewTaskUseCase(
	tasks repository.TaskRepository,
	batches repository.BatchRepository,
	entries repository.LedgerRepository,
	idem repository.IdempotencyRepository,
	tm repository.TransactionManager,
	locker repository.UserLocker,
	cache *redisinfra.BalanceCache,
	queue usecase.Enqueuer,
	limits config.LimitsConfig,
	log *zerolog.Logger,
) *TaskUseCase {
	return &TaskUseCase{
		tasks:   tasks,
		batches: batches,
		entries: entries,
		idem:    idem,
		tm:      tm,
		locker:  locker,
		cache:   cache,
		queue:   queue,
		limits:  limits,
		log:     log,
	}
}

// ListTasks returns the batch's tasks, reaping any that have been stuck in
// running past the threshold first so the caller never sees zombies.
func (u *TaskUseCase) ListTasks(ctx context.Context, userID, batchID string) ([]*model.Task, error) {
	batch, err := u.batches.FindByID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, domain.ErrNotFound
	}
	tasks, err := u.tasks.ListByBatch(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-stuckRunningAfter)
	reaped := false
	for _, t := range tasks {
		if t.Status == model.TaskStatusRunning && t.UpdatedAt.Before(cutoff) {
			if err := u.reapOne(ctx, t); err != nil {
				logging.With(ctx, u.log).Error().Err(err).Str("task_id", t.ID).Msg("lazy reap")
				continue
			}
			reaped = true
		}
	}
	if reaped {
		return u.tasks.ListByBatch(ctx, nil, batchID)
	}
	return tasks, nil
}

// RetryTask re-runs a failed task. The retry is paid for again: the original
// failure was already refunded, so a free retry would mint credits on every
// failure loop. Insufficient balance rejects the retry.
func (u *TaskUseCase) RetryTask(ctx context.Context, userID, taskID string) error {
	task, err := u.tasks.FindByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return domain.ErrNotFound
	}
	if task.Status != model.TaskStatusFailed {
		return fmt.Errorf("task is %s, only failed tasks can be retried: %w", task.Status, domain.ErrTaskNotRetryable)
	}
	cost, err := model.UnitCost(task.Model, task.Duration)
	if err != nil {
		return err
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		// Status guard arbitrates concurrent retries of the same task.
		ok, err := u.tasks.UpdateStatus(ctx, tx, taskID,
			[]model.TaskStatus{model.TaskStatusFailed}, model.TaskStatusQueued, "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task already retried: %w", domain.ErrTaskNotRetryable)
		}
		balance, err := u.entries.SumByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance < cost {
			metrics.IncInsufficientCredits()
			return fmt.Errorf("balance %d, retry costs %d: %w", balance, cost, domain.ErrInsufficientCredits)
		}
		if err := u.entries.Append(ctx, tx, &model.CreditEntry{
			UserID:     userID,
			Delta:      -cost,
			Reason:     model.ReasonDeductForRetry,
			RefBatchID: task.BatchID,
			RefTaskID:  task.ID,
		}); err != nil {
			return err
		}
		task.Status = model.TaskStatusQueued
		task.Retries++
		task.ProviderJobID = ""
		task.ResultRef = ""
		task.ErrorSummary = ""
		return u.tasks.Save(ctx, tx, task)
	})
	if err != nil {
		return err
	}

	metrics.IncLedgerEntry(string(model.ReasonDeductForRetry), -cost)
	if u.cache != nil {
		u.cache.Invalidate(ctx, userID)
	}
	if err := u.queue.Enqueue(taskID); err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Str("task_id", taskID).Msg("enqueue after retry failed")
	}
	logging.With(ctx, u.log).Info().
		Str("task_id", taskID).Int("retry", task.Retries).Int("cost", cost).Msg("task retried")
	return nil
}

// CancelTask moves a pending, queued or running task to cancelled. The unit
// cost comes back only when the task was never handed to the provider; a
// running cancel forfeits it. Cancelling in-flight work is cooperative: the
// polling worker sees the status flip on its next tick and abandons the job.
func (u *TaskUseCase) CancelTask(ctx context.Context, userID, taskID string) error {
	task, err := u.tasks.FindByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return domain.ErrNotFound
	}
	if !task.Status.CanTransitionTo(model.TaskStatusCancelled) {
		return fmt.Errorf("task is %s: %w", task.Status, domain.ErrTaskNotCancellable)
	}
	cost, err := model.UnitCost(task.Model, task.Duration)
	if err != nil {
		return err
	}

	refunded := false
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		// Refundable path first. The from-set evaluated at update time, not
		// the read above, decides whether the provider was already engaged.
		ok, err := u.tasks.UpdateStatus(ctx, tx, taskID,
			[]model.TaskStatus{model.TaskStatusPending, model.TaskStatusQueued}, model.TaskStatusCancelled, "")
		if err != nil {
			return err
		}
		if ok {
			refunded = true
			return u.entries.Append(ctx, tx, &model.CreditEntry{
				UserID:     userID,
				Delta:      cost,
				Reason:     model.ReasonRefundCancelled,
				RefBatchID: task.BatchID,
				RefTaskID:  task.ID,
			})
		}
		ok, err = u.tasks.UpdateStatus(ctx, tx, taskID,
			[]model.TaskStatus{model.TaskStatusRunning}, model.TaskStatusCancelled, "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task already finished: %w", domain.ErrTaskNotCancellable)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.IncTaskFinished(string(model.TaskStatusCancelled))
	if refunded {
		metrics.IncLedgerEntry(string(model.ReasonRefundCancelled), cost)
		if u.cache != nil {
			u.cache.Invalidate(ctx, userID)
		}
	}
	logging.With(ctx, u.log).Info().
		Str("task_id", taskID).Bool("refunded", refunded).Msg("task cancelled")
	return nil
}

// DeleteTask soft-deletes a single task. No refund: deletion is bookkeeping,
// not cancellation. A running task notices on its next poll and abandons.
func (u *TaskUseCase) DeleteTask(ctx context.Context, userID, taskID string) error {
	task, err := u.tasks.FindByID(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return domain.ErrNotFound
	}
	return u.tasks.SoftDelete(ctx, nil, taskID)
}

// ReapStuck fails and refunds every task stuck in running past the
// threshold. Called by the background sweeper.
func (u *TaskUseCase) ReapStuck(ctx context.Context) (int, error) {
	stuck, err := u.tasks.ListStuckRunning(ctx, nil, stuckRunningAfter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stuck {
		if err := u.reapOne(ctx, t); err != nil {
			u.log.Error().Err(err).Str("task_id", t.ID).Msg("reap stuck task")
			continue
		}
		n++
	}
	return n, nil
}

// reapOne marks one zombie task failed and refunds it. The status guard and
// the refund bookkeeping make it safe to race with the runner or another
// reaper: only one of them lands the failed write, and the refund checks the
// ledger before appending.
func (u *TaskUseCase) reapOne(ctx context.Context, task *model.Task) error {
	cost, err := model.UnitCost(task.Model, task.Duration)
	if err != nil {
		return err
	}
	refunded := false
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, task.UserID); err != nil {
			return err
		}
		ok, err := u.tasks.UpdateStatus(ctx, tx, task.ID,
			[]model.TaskStatus{model.TaskStatusRunning}, model.TaskStatusFailed,
			"timed out waiting for provider")
		if err != nil {
			return err
		}
		if !ok {
			return nil // someone else finished or reaped it first
		}
		refunds, deducts, err := u.entries.TaskEntryCounts(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if refunds > deducts {
			return nil // already refunded for this attempt
		}
		refunded = true
		return u.entries.Append(ctx, tx, &model.CreditEntry{
			UserID:     task.UserID,
			Delta:      cost,
			Reason:     model.ReasonRefundTask,
			RefBatchID: task.BatchID,
			RefTaskID:  task.ID,
		})
	})
	if err != nil {
		return err
	}
	if refunded {
		metrics.IncTaskFinished(string(model.TaskStatusFailed))
		metrics.IncLedgerEntry(string(model.ReasonRefundTask), cost)
		if u.cache != nil {
			u.cache.Invalidate(ctx, task.UserID)
		}
		u.log.Info().Str("task_id", task.ID).Int("refund", cost).Msg("stuck task reaped")
	}
	return nil
}

// PurgeIdempotency drops idempotency records older than the dedup window.
func (u *TaskUseCase) PurgeIdempotency(ctx context.Context) (int, error) {
	return u.idem.PurgeOlderThan(ctx, time.Now().Add(-u.limits.IdempotencyWindow))
}
