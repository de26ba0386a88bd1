package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*ledgerRepo)(nil)

type ledgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *ledgerRepo {
	return &ledgerRepo{pool: pool}
}

func (r *ledgerRepo) Append(ctx context.Context, tx repository.Tx, e *model.CreditEntry) error {
	if e.ID == "" {
		e.ID = model.NewEntryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO credit_ledger_entries (id, user_id, delta, reason, ref_batch_id, ref_task_id, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7);`

	_, err := execSQL(ctx, r.pool, tx, q,
		e.ID, e.UserID, e.Delta, e.Reason, e.RefBatchID, e.RefTaskID, e.CreatedAt)
	return err
}

func (r *ledgerRepo) SumByUser(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	const q = `SELECT COALESCE(SUM(delta), 0) FROM credit_ledger_entries WHERE user_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return 0, err
	}
	var sum int
	if err := row.Scan(&sum); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return sum, nil
}

func (r *ledgerRepo) TaskEntryCounts(ctx context.Context, tx repository.Tx, taskID string) (int, int, error) {
	const q = `
SELECT COUNT(*) FILTER (WHERE delta > 0), COUNT(*) FILTER (WHERE delta < 0)
FROM credit_ledger_entries WHERE ref_task_id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, taskID)
	if err != nil {
		return 0, 0, err
	}
	var refunds, deducts int
	if err := row.Scan(&refunds, &deducts); err != nil {
		return 0, 0, domain.ErrReadDatabaseRow
	}
	return refunds, deducts, nil
}

func (r *ledgerRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, offset, limit int) ([]*model.CreditEntry, int, error) {
	const countQ = `SELECT COUNT(*) FROM credit_ledger_entries WHERE user_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, countQ, userID)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := row.Scan(&total); err != nil {
		return nil, 0, domain.ErrReadDatabaseRow
	}

	const q = `
SELECT id, user_id, delta, reason, COALESCE(ref_batch_id, ''), COALESCE(ref_task_id, ''), created_at
FROM credit_ledger_entries
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
OFFSET $2 LIMIT $3;`

	rows, err := pickRows(ctx, r.pool, tx, q, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.CreditEntry
	for rows.Next() {
		var e model.CreditEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &reason, &e.RefBatchID, &e.RefTaskID, &e.CreatedAt); err != nil {
			return nil, 0, domain.ErrReadDatabaseRow
		}
		e.Reason = model.CreditReason(reason)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
