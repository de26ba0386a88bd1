package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/ports/repository"
)

var _ repository.IdempotencyRepository = (*idempotencyRepo)(nil)

type idempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *idempotencyRepo {
	return &idempotencyRepo{pool: pool}
}

func (r *idempotencyRepo) Insert(ctx context.Context, tx repository.Tx, rec *repository.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO idempotency_keys (key, user_id, batch_id, created_at)
VALUES ($1, $2, $3, $4);`

	_, err := execSQL(ctx, r.pool, tx, q, rec.Key, rec.UserID, rec.BatchID, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *idempotencyRepo) Find(ctx context.Context, tx repository.Tx, key string) (*repository.IdempotencyRecord, error) {
	const q = `SELECT key, user_id, batch_id, created_at FROM idempotency_keys WHERE key = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, key)
	if err != nil {
		return nil, err
	}
	var rec repository.IdempotencyRecord
	if err := row.Scan(&rec.Key, &rec.UserID, &rec.BatchID, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &rec, nil
}

func (r *idempotencyRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM idempotency_keys WHERE created_at < $1;`
	tag, err := execSQL(ctx, r.pool, nil, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
