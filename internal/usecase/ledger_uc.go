package usecase

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
	"video-batch-service/internal/domain/ports/usecase"
	"video-batch-service/internal/infra/logging"
	"video-batch-service/internal/infra/metrics"
	redisinfra "video-batch-service/internal/infra/redis"
)

var _ usecase.LedgerService = (*LedgerUseCase)(nil)

const maxPageSize = 50

// LedgerUseCase implements the credit ledger on top of an append-only entry
// table. Balance is always the sum of entries; any mutation takes the
// per-user lock inside a transaction so concurrent reservations serialize.
type LedgerUseCase struct {
	entries repository.LedgerRepository
	tm      repository.TransactionManager
	locker  repository.UserLocker
	cache   *redisinfra.BalanceCache
	log     *zerolog.Logger
}

func NewLedgerUseCase(
	entries repository.LedgerRepository,
	tm repository.TransactionManager,
	locker repository.UserLocker,
	cache *redisinfra.BalanceCache,
	log *zerolog.Logger,
) *LedgerUseCase {
	return &LedgerUseCase{entries: entries, tm: tm, locker: locker, cache: cache, log: log}
}

// Reserve atomically checks the balance and appends a negative entry. The
// check and the append happen under the user's advisory lock, so two
// concurrent reservations can never jointly overdraw.
func (u *LedgerUseCase) Reserve(ctx context.Context, userID string, amount int, reason model.CreditReason, refBatchID, refTaskID string) (*model.CreditEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive: %w", domain.ErrInvalidArgument)
	}
	entry := &model.CreditEntry{
		UserID:     userID,
		Delta:      -amount,
		Reason:     reason,
		RefBatchID: refBatchID,
		RefTaskID:  refTaskID,
	}
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		balance, err := u.entries.SumByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance < amount {
			metrics.IncInsufficientCredits()
			return fmt.Errorf("balance %d, need %d: %w", balance, amount, domain.ErrInsufficientCredits)
		}
		return u.entries.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	u.afterWrite(ctx, entry)
	return entry, nil
}

// Refund appends a positive entry for a failed or cancelled task. When
// refTaskID is set the refund is idempotent per attempt: it is skipped (nil
// entry, nil error) if the task already has as many refunds as task-level
// deductions plus its original batch-level share.
func (u *LedgerUseCase) Refund(ctx context.Context, userID string, amount int, reason model.CreditReason, refBatchID, refTaskID string) (*model.CreditEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive: %w", domain.ErrInvalidArgument)
	}
	entry := &model.CreditEntry{
		UserID:     userID,
		Delta:      amount,
		Reason:     reason,
		RefBatchID: refBatchID,
		RefTaskID:  refTaskID,
	}
	skipped := false
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		if refTaskID != "" {
			refunds, deducts, err := u.entries.TaskEntryCounts(ctx, tx, refTaskID)
			if err != nil {
				return err
			}
			if refunds > deducts {
				skipped = true
				return nil
			}
		}
		return u.entries.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	if skipped {
		logging.With(ctx, u.log).Debug().Str("task_id", refTaskID).Msg("refund already applied, skipping")
		return nil, nil
	}
	u.afterWrite(ctx, entry)
	return entry, nil
}

// Adjust appends an entry of either sign. Used for recharges, signup gifts
// and admin corrections. Negative adjustments are checked against the
// balance under the user lock so the ledger sum never goes below zero.
func (u *LedgerUseCase) Adjust(ctx context.Context, userID string, delta int, reason model.CreditReason) (*model.CreditEntry, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjust delta must be non-zero: %w", domain.ErrInvalidArgument)
	}
	entry := &model.CreditEntry{UserID: userID, Delta: delta, Reason: reason}
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.locker.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		if delta < 0 {
			balance, err := u.entries.SumByUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if balance+delta < 0 {
				metrics.IncInsufficientCredits()
				return fmt.Errorf("balance %d, adjustment %d: %w", balance, delta, domain.ErrInsufficientCredits)
			}
		}
		return u.entries.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	u.afterWrite(ctx, entry)
	return entry, nil
}

func (u *LedgerUseCase) Balance(ctx context.Context, userID string) (int, error) {
	if u.cache != nil {
		if balance, ok := u.cache.Get(ctx, userID); ok {
			return balance, nil
		}
	}
	balance, err := u.entries.SumByUser(ctx, nil, userID)
	if err != nil {
		return 0, err
	}
	if u.cache != nil {
		u.cache.Set(ctx, userID, balance)
	}
	return balance, nil
}

func (u *LedgerUseCase) History(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditEntry, int, error) {
	page, pageSize = clampPage(page, pageSize)
	return u.entries.ListByUser(ctx, nil, userID, (page-1)*pageSize, pageSize)
}

func (u *LedgerUseCase) afterWrite(ctx context.Context, entry *model.CreditEntry) {
	metrics.IncLedgerEntry(string(entry.Reason), entry.Delta)
	if u.cache != nil {
		u.cache.Invalidate(ctx, entry.UserID)
	}
	logging.With(ctx, u.log).Info().
		Str("entry_id", entry.ID).
		Str("user_id", entry.UserID).
		Int("delta", entry.Delta).
		Str("reason", string(entry.Reason)).
		Msg("ledger entry appended")
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
