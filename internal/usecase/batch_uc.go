package usecase

import (
	"context"
	"errors"
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

var _ usecase.BatchManager = (*BatchUseCase)(nil)

// BatchUseCase creates batches atomically: credit reservation, the batch row,
// all task rows and the idempotency record commit or roll back together. A
// batch therefore never exists partially paid or partially fanned out.
type BatchUseCase struct {
	batches repository.BatchRepository
	tasks   repository.TaskRepository
	entries repository.LedgerRepository
	idem    repository.IdempotencyRepository
	tm      repository.TransactionManager
	locker  repository.UserLocker
	limiter *redisinfra.RateLimiter
	cache   *redisinfra.BalanceCache
	queue   usecase.Enqueuer
	limits  config.LimitsConfig
	log     *zerolog.Logger
}

func NewBatchUseCase(
	batches repository.BatchRepository,
	tasks repository.TaskRepository,
	entries repository.LedgerRepository,
	idem repository.IdempotencyRepository,
	tm repository.TransactionManager,
	locker repository.UserLocker,
	limiter *redisinfra.RateLimiter,
	cache *redisinfra.BalanceCache,
	queue usecase.Enqueuer,
	limits config.LimitsConfig,
	log *zerolog.Logger,
) *BatchUseCase {
	return &BatchUseCase{
		batches: batches,
		tasks:   tasks,
		entries: entries,
		idem:    idem,
		tm:      tm,
		locker:  locker,
		limiter: limiter,
		cache:   cache,
		queue:   queue,
		limits:  limits,
		log:     log,
	}
}

func (u *BatchUseCase) CreateBatch(ctx context.Context, userID string, spec model.BatchSpec, idempotencyKey string) (*model.Batch, error) {
	log := logging.With(logging.WithUserID(ctx, userID), u.log)
	defer logging.TraceDuration(log, "BatchManager.CreateBatch")()

	if err := spec.Validate(); err != nil {
		metrics.IncBatchCreateRejected("validation")
		return nil, err
	}
	unitCost, err := model.UnitCost(spec.Model, spec.Duration)
	if err != nil {
		metrics.IncBatchCreateRejected("validation")
		return nil, err
	}
	totalCost := unitCost * spec.NumVideos

	if u.limiter != nil {
		allowed, err := u.limiter.Allow(ctx, redisinfra.BatchCreateKey(userID), u.limits.MaxBatchesPerMinute, time.Minute)
		if err != nil {
			log.Error().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			metrics.IncBatchCreateRejected("rate_limit")
			return nil, fmt.Errorf("too many batches this minute: %w", domain.ErrRateLimited)
		}
	}

	// Fast path for an already-seen key: no side effects at all.
	if idempotencyKey != "" {
		if existing, err := u.findByIdempotencyKey(ctx, userID, idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			log.Info().Str("batch_id", existing.ID).Msg("idempotent replay, returning existing batch")
			return existing, nil
		}
	}

	batch := &model.Batch{
		ID:          model.NewBatchID(),
		UserID:      userID,
		Prompt:      spec.Prompt,
		Model:       spec.Model,
		Orientation: spec.Orientation,
		Size:        spec.Size,
		Duration:    spec.Duration,
		NumVideos:   spec.NumVideos,
		ImageRef:    spec.ImageRef,
	}
	taskIDs := make([]string, 0, spec.NumVideos)

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		balance, err := u.entries.SumByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance < totalCost {
			metrics.IncInsufficientCredits()
			metrics.IncBatchCreateRejected("insufficient_credits")
			return fmt.Errorf("balance %d, batch costs %d: %w", balance, totalCost, domain.ErrInsufficientCredits)
		}
		if err := u.entries.Append(ctx, tx, &model.CreditEntry{
			UserID:     userID,
			Delta:      -totalCost,
			Reason:     model.ReasonDeductForBatch,
			RefBatchID: batch.ID,
		}); err != nil {
			return err
		}
		if err := u.batches.Save(ctx, tx, batch); err != nil {
			return err
		}
		for i := 0; i < spec.NumVideos; i++ {
			task := &model.Task{
				ID:          model.NewTaskID(),
				BatchID:     batch.ID,
				UserID:      userID,
				Prompt:      spec.Prompt,
				Model:       spec.Model,
				Orientation: spec.Orientation,
				Size:        spec.Size,
				Duration:    spec.Duration,
				ImageRef:    spec.ImageRef,
				Status:      model.TaskStatusQueued,
			}
			if err := u.tasks.Save(ctx, tx, task); err != nil {
				return err
			}
			taskIDs = append(taskIDs, task.ID)
		}
		if idempotencyKey != "" {
			// Unique key insert is the race arbiter: a concurrent duplicate
			// rolls this whole transaction back.
			return u.idem.Insert(ctx, tx, &repository.IdempotencyRecord{
				Key:     idempotencyKey,
				UserID:  userID,
				BatchID: batch.ID,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if existing, ferr := u.findByIdempotencyKey(ctx, userID, idempotencyKey); ferr == nil && existing != nil {
				log.Info().Str("batch_id", existing.ID).Msg("lost idempotency race, returning winner's batch")
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.IncLedgerEntry(string(model.ReasonDeductForBatch), -totalCost)
	metrics.IncBatchCreated(spec.Model)
	if u.cache != nil {
		u.cache.Invalidate(ctx, userID)
	}

	// Enqueue after commit so a worker can never see an uncommitted task. A
	// full queue is not fatal: rows are already queued in the database and
	// startup recovery or the next restart re-enqueues them.
	if err := u.queue.Enqueue(taskIDs...); err != nil {
		log.Warn().Err(err).Str("batch_id", batch.ID).Msg("enqueue after create failed")
	}

	log.Info().
		Str("batch_id", batch.ID).
		Int("num_videos", spec.NumVideos).
		Int("cost", totalCost).
		Msg("batch created")
	return batch, nil
}

// findByIdempotencyKey resolves a key to its batch. A key owned by another
// user is treated as invalid input rather than leaking the other batch.
func (u *BatchUseCase) findByIdempotencyKey(ctx context.Context, userID, key string) (*model.Batch, error) {
	rec, err := u.idem.Find(ctx, nil, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("idempotency key belongs to another user: %w", domain.ErrInvalidArgument)
	}
	return u.batches.FindByID(ctx, nil, rec.BatchID)
}

func (u *BatchUseCase) GetBatch(ctx context.Context, userID, batchID string) (*usecase.BatchView, error) {
	batch, err := u.batches.FindByID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, domain.ErrNotFound
	}
	counts, err := u.batches.TaskCounts(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	return &usecase.BatchView{Batch: batch, Status: model.DeriveBatchStatus(counts), Counts: counts}, nil
}

func (u *BatchUseCase) ListBatches(ctx context.Context, userID string, page, pageSize int) ([]*usecase.BatchView, int, error) {
	page, pageSize = clampPage(page, pageSize)
	batches, total, err := u.batches.ListByUser(ctx, nil, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*usecase.BatchView, 0, len(batches))
	for _, b := range batches {
		counts, err := u.batches.TaskCounts(ctx, nil, b.ID)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, &usecase.BatchView{Batch: b, Status: model.DeriveBatchStatus(counts), Counts: counts})
	}
	return views, total, nil
}

// DeleteBatch soft-deletes the batch and its tasks. In-flight work notices
// the deletion on its next poll tick and abandons the job; credits already
// spent stay spent.
func (u *BatchUseCase) DeleteBatch(ctx context.Context, userID, batchID string) error {
	batch, err := u.batches.FindByID(ctx, nil, batchID)
	if err != nil {
		return err
	}
	if batch.UserID != userID {
		return domain.ErrNotFound
	}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return u.batches.SoftDelete(ctx, tx, batchID)
	})
	if err != nil {
		return err
	}
	logging.With(logging.WithUserID(ctx, userID), u.log).Info().
		Str("batch_id", batchID).Msg("batch deleted")
	return nil
}
