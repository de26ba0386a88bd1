package repository

import (
	"context"

	"video-batch-service/internal/domain/model"
)

type LedgerRepository interface {
	// Append inserts an immutable entry. Entries are never updated.
	Append(ctx context.Context, tx Tx, entry *model.CreditEntry) error
	// SumByUser is the authoritative balance: sum of all entry deltas.
	SumByUser(ctx context.Context, tx Tx, userID string) (int, error)
	// TaskEntryCounts returns how many refund (positive) and deduction
	// (negative) entries reference the task. A refund is allowed only while
	// refunds <= deducts, which makes refunds idempotent per attempt: the
	// initial batch-level deduction carries no task ref, so the first failure
	// refunds at 0<=0, a duplicate is blocked at 1<=0, and a retry's own
	// deduction re-opens the window for the next failure.
	TaskEntryCounts(ctx context.Context, tx Tx, taskID string) (refunds, deducts int, err error)
	// ListByUser returns entries newest first with a total count.
	ListByUser(ctx context.Context, tx Tx, userID string, offset, limit int) ([]*model.CreditEntry, int, error)
}
