package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/adapter"
	"video-batch-service/internal/domain/ports/repository"
	"video-batch-service/internal/domain/ports/usecase"
	"video-batch-service/internal/infra/logging"
	"video-batch-service/internal/infra/metrics"
	"video-batch-service/internal/infra/security"
)

var _ usecase.Enqueuer = (*Runner)(nil)

// submitBackoff is the wait schedule for transient submit failures. Two
// retries, then the task fails and its credit is refunded.
var submitBackoff = []time.Duration{2 * time.Second, 5 * time.Second}

// Runner drives queued tasks through the provider: claim, submit, poll,
// finish. It enforces the global and per-batch concurrency caps; ordering
// beyond FIFO dispatch is not guaranteed once tasks are in flight.
type Runner struct {
	queue    *TaskQueue
	pool     *Pool
	tasks    repository.TaskRepository
	keys     repository.ProviderKeyRepository
	ledger   usecase.LedgerService
	provider adapter.VideoProviderAdapter
	crypto   *security.EncryptionService
	cfg      config.WorkerConfig
	pcfg     config.ProviderConfig
	log      *zerolog.Logger

	mu       sync.Mutex
	inFlight int
	perBatch map[string]int
}

func NewRunner(
	tasks repository.TaskRepository,
	keys repository.ProviderKeyRepository,
	ledger usecase.LedgerService,
	provider adapter.VideoProviderAdapter,
	crypto *security.EncryptionService,
	cfg config.WorkerConfig,
	pcfg config.ProviderConfig,
	log *zerolog.Logger,
) *Runner {
	return &Runner{
		queue:    NewTaskQueue(cfg.QueueBacklog),
		pool:     NewPool(cfg.GlobalConcurrency, log),
		tasks:    tasks,
		keys:     keys,
		ledger:   ledger,
		provider: provider,
		crypto:   crypto,
		cfg:      cfg,
		pcfg:     pcfg,
		log:      log,
		perBatch: make(map[string]int),
	}
}

// Enqueue adds task ids to the dispatch queue. Callers enqueue after their
// transaction commits so a worker can never observe an uncommitted task.
func (r *Runner) Enqueue(taskIDs ...string) error {
	return r.queue.PushBack(taskIDs...)
}

// Start launches the pool and the dispatch loop. Blocks until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.log.Info().Int("workers", r.cfg.GlobalConcurrency).Msg("task runner started")
	r.pool.Start(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("task runner stopping")
			return
		case <-ticker.C:
			r.dispatch(ctx)
		}
	}
}

func (r *Runner) Stop() { r.pool.Stop() }

// RecoverWaiting re-enqueues every pending or queued task from the database.
// Called once at startup so tasks survive a process restart.
func (r *Runner) RecoverWaiting(ctx context.Context) error {
	ids, err := r.tasks.ListRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("list recoverable tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	r.log.Info().Int("count", len(ids)).Msg("re-enqueueing tasks from previous run")
	return r.queue.PushBack(ids...)
}

// dispatch makes one pass over the queue, starting every task the caps
// admit. Tasks of a batch at its per-batch cap are skipped and put back, so
// one saturated batch never blocks the others behind it in the queue.
func (r *Runner) dispatch(ctx context.Context) {
	var deferred []string
	for n := r.queue.Len(); n > 0; n-- {
		if r.globalFull() {
			break
		}
		id, ok := r.queue.PopFront()
		if !ok {
			break
		}
		task, err := r.tasks.FindByID(ctx, nil, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.log.Error().Err(err).Str("task_id", id).Msg("dispatch: load task")
				deferred = append(deferred, id)
			}
			// deleted tasks just fall out of the queue
			continue
		}
		if task.Status != model.TaskStatusPending && task.Status != model.TaskStatusQueued {
			continue // cancelled or already picked up elsewhere
		}
		if !r.acquire(task.BatchID) {
			deferred = append(deferred, id)
			continue
		}
		taskID := id
		batchID := task.BatchID
		if err := r.pool.Submit(func(ctx context.Context) error {
			defer r.release(batchID)
			r.run(ctx, taskID)
			return nil
		}); err != nil {
			r.release(batchID)
			deferred = append(deferred, id)
			break
		}
	}
	// skipped ids go back to the head in their original relative order
	for i := len(deferred) - 1; i >= 0; i-- {
		r.queue.PushFront(deferred[i])
	}
}

func (r *Runner) globalFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight >= r.cfg.GlobalConcurrency
}

func (r *Runner) acquire(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight >= r.cfg.GlobalConcurrency {
		return false
	}
	if r.perBatch[batchID] >= r.cfg.PerBatch {
		return false
	}
	r.inFlight++
	r.perBatch[batchID]++
	return true
}

func (r *Runner) release(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	r.perBatch[batchID]--
	if r.perBatch[batchID] <= 0 {
		delete(r.perBatch, batchID)
	}
}

// run owns one task from claim to terminal status.
func (r *Runner) run(ctx context.Context, taskID string) {
	claimed, err := r.tasks.Claim(ctx, taskID)
	if err != nil {
		r.log.Error().Err(err).Str("task_id", taskID).Msg("claim failed")
		return
	}
	if !claimed {
		return // another worker got there first, or the task was cancelled
	}

	task, err := r.tasks.FindByID(ctx, nil, taskID)
	if err != nil {
		r.log.Error().Err(err).Str("task_id", taskID).Msg("load claimed task")
		return
	}

	ctx = logging.WithTaskID(logging.WithBatchID(logging.WithUserID(ctx, task.UserID), task.BatchID), task.ID)
	log := logging.With(ctx, r.log)

	metrics.AddTasksInFlight(1)
	defer metrics.AddTasksInFlight(-1)

	apiKey := r.userAPIKey(ctx, task.UserID)

	jobID := task.ProviderJobID
	if jobID == "" {
		jobID, err = r.submitWithBackoff(ctx, task, apiKey)
		if err != nil {
			log.Warn().Err(err).Msg("submit failed, failing task")
			r.finishFailed(ctx, task, summarize(err))
			return
		}
		if err := r.tasks.SetProviderJobID(ctx, nil, task.ID, jobID); err != nil {
			log.Error().Err(err).Msg("persist provider job id")
		}
		log.Info().Str("provider_job_id", jobID).Msg("task submitted")
	} else {
		// stuck-running recovery resumed a task that was already submitted
		log.Info().Str("provider_job_id", jobID).Msg("resuming poll for existing job")
	}

	r.pollUntilDone(ctx, task, jobID, apiKey, log)
}

// userAPIKey resolves the user's own provider key; empty means use the
// global key configured on the adapter.
func (r *Runner) userAPIKey(ctx context.Context, userID string) string {
	rec, err := r.keys.Find(ctx, nil, userID, r.provider.Name())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Error().Err(err).Str("user_id", userID).Msg("load provider key")
		}
		return ""
	}
	if r.crypto == nil {
		return ""
	}
	key, err := r.crypto.Decrypt(rec.EncryptedKey)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("decrypt provider key")
		return ""
	}
	return key
}

func (r *Runner) submitWithBackoff(ctx context.Context, task *model.Task, apiKey string) (string, error) {
	spec := adapter.JobSpec{
		Prompt:      task.Prompt,
		Model:       task.Model,
		Orientation: string(task.Orientation),
		Size:        task.Size,
		Duration:    task.Duration,
		// Key includes the retry counter: a user-requested retry is a new
		// remote job, a transient resubmit of the same attempt is not.
		IdempotencyKey: fmt.Sprintf("%s:%d", task.ID, task.Retries),
		APIKey:         apiKey,
	}
	if task.ImageRef != "" {
		spec.ImageURLs = []string{task.ImageRef}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		jobID, err := r.provider.Submit(ctx, spec)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if errors.Is(err, domain.ErrProviderRejected) || attempt >= len(submitBackoff) {
			return "", lastErr
		}
		select {
		case <-time.After(submitBackoff[attempt]):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *Runner) pollUntilDone(ctx context.Context, task *model.Task, jobID, apiKey string, log *zerolog.Logger) {
	deadline := time.Now().Add(r.pcfg.MaxPollTime)
	ticker := time.NewTicker(r.pcfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// shutdown mid-poll: leave the task running, stuck-task recovery
			// or the startup resume path picks it up
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			log.Warn().Msg("poll deadline exceeded")
			r.finishFailed(ctx, task, domain.ErrPollTimeout.Error())
			return
		}

		// Cooperative cancellation: a cancel elsewhere flips the row status,
		// noticed here on the next tick.
		cur, err := r.tasks.FindByID(ctx, nil, task.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Info().Msg("task deleted mid-poll, abandoning")
				return
			}
			log.Error().Err(err).Msg("re-read task")
			continue
		}
		if cur.Status != model.TaskStatusRunning {
			log.Info().Str("status", string(cur.Status)).
				Bool("terminal", cur.Status.Terminal()).
				Msg("task left running state, stopping poll")
			return
		}

		st, err := r.provider.Poll(ctx, jobID, apiKey)
		if err != nil {
			if errors.Is(err, domain.ErrProviderRejected) {
				r.finishFailed(ctx, task, summarize(err))
				return
			}
			log.Warn().Err(err).Msg("poll failed, will retry")
			continue // transient, keep polling until the deadline
		}

		switch st.State {
		case adapter.JobDone:
			r.finishCompleted(ctx, task, st.ResultRef, log)
			return
		case adapter.JobError:
			r.finishFailed(ctx, task, st.ErrorDetail)
			return
		}
	}
}

func (r *Runner) finishCompleted(ctx context.Context, task *model.Task, resultRef string, log *zerolog.Logger) {
	if resultRef != "" {
		if err := r.tasks.SetResult(ctx, nil, task.ID, resultRef); err != nil {
			log.Error().Err(err).Msg("persist result ref")
		}
	}
	ok, err := r.tasks.UpdateStatus(ctx, nil, task.ID,
		[]model.TaskStatus{model.TaskStatusRunning}, model.TaskStatusCompleted, "")
	if err != nil {
		log.Error().Err(err).Msg("mark completed")
		return
	}
	if !ok {
		log.Info().Msg("task no longer running, completion skipped")
		return
	}
	metrics.IncTaskFinished(string(model.TaskStatusCompleted))
	metrics.ObserveTaskDuration(task.Model, time.Since(task.CreatedAt).Seconds())
	log.Info().Str("result_ref", resultRef).Msg("task completed")
}

// finishFailed marks the task failed and refunds its credit. The refund is
// idempotent per task attempt, so a crash between the two writes at worst
// delays the refund until stuck-task recovery repeats it.
func (r *Runner) finishFailed(ctx context.Context, task *model.Task, summary string) {
	log := logging.With(ctx, r.log)
	ok, err := r.tasks.UpdateStatus(ctx, nil, task.ID,
		[]model.TaskStatus{model.TaskStatusRunning}, model.TaskStatusFailed, summary)
	if err != nil {
		log.Error().Err(err).Msg("mark failed")
		return
	}
	if !ok {
		return // cancelled or deleted while we were deciding
	}
	metrics.IncTaskFinished(string(model.TaskStatusFailed))
	metrics.ObserveTaskDuration(task.Model, time.Since(task.CreatedAt).Seconds())

	cost, err := model.UnitCost(task.Model, task.Duration)
	if err != nil {
		log.Error().Err(err).Msg("refund: price lookup")
		return
	}
	if _, err := r.ledger.Refund(ctx, task.UserID, cost, model.ReasonRefundTask, task.BatchID, task.ID); err != nil {
		log.Error().Err(err).Msg("refund failed")
		return
	}
	log.Info().Str("error", summary).Int("refund", cost).Msg("task failed, credit refunded")
}

// summarize trims an error chain to a short user-facing line.
func summarize(err error) string {
	s := err.Error()
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
