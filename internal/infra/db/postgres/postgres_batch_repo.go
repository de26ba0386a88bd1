package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
)

var _ repository.BatchRepository = (*batchRepo)(nil)

type batchRepo struct {
	pool *pgxpool.Pool
}

func NewBatchRepo(pool *pgxpool.Pool) *batchRepo {
	return &batchRepo{pool: pool}
}

func (r *batchRepo) Save(ctx context.Context, tx repository.Tx, b *model.Batch) error {
	if b.ID == "" {
		b.ID = model.NewBatchID()
	}
	b.UpdatedAt = time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = b.UpdatedAt
	}
	const q = `
INSERT INTO batches (id, user_id, prompt, model, orientation, size, duration, num_videos, image_ref, created_at, updated_at, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
  updated_at = EXCLUDED.updated_at,
  deleted_at = EXCLUDED.deleted_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		b.ID, b.UserID, b.Prompt, b.Model, b.Orientation, b.Size, b.Duration,
		b.NumVideos, b.ImageRef, b.CreatedAt, b.UpdatedAt, b.DeletedAt)
	return err
}

const batchCols = `id, user_id, prompt, model, orientation, size, duration, num_videos, COALESCE(image_ref, ''), created_at, updated_at, deleted_at`

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var orientation string
	err := row.Scan(&b.ID, &b.UserID, &b.Prompt, &b.Model, &orientation, &b.Size,
		&b.Duration, &b.NumVideos, &b.ImageRef, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	b.Orientation = model.Orientation(orientation)
	return &b, nil
}

func (r *batchRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Batch, error) {
	q := `SELECT ` + batchCols + ` FROM batches WHERE id = $1 AND deleted_at IS NULL;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanBatch(row)
}

func (r *batchRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, offset, limit int) ([]*model.Batch, int, error) {
	const countQ = `SELECT COUNT(*) FROM batches WHERE user_id = $1 AND deleted_at IS NULL;`
	row, err := pickRow(ctx, r.pool, tx, countQ, userID)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := row.Scan(&total); err != nil {
		return nil, 0, domain.ErrReadDatabaseRow
	}

	q := `SELECT ` + batchCols + `
FROM batches
WHERE user_id = $1 AND deleted_at IS NULL
ORDER BY created_at DESC, id DESC
OFFSET $2 LIMIT $3;`

	rows, err := pickRows(ctx, r.pool, tx, q, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (r *batchRepo) TaskCounts(ctx context.Context, tx repository.Tx, batchID string) (model.TaskCounts, error) {
	const q = `
SELECT status, COUNT(*)
FROM tasks
WHERE batch_id = $1 AND deleted_at IS NULL
GROUP BY status;`

	var counts model.TaskCounts
	rows, err := pickRows(ctx, r.pool, tx, q, batchID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, domain.ErrReadDatabaseRow
		}
		counts.Add(model.TaskStatus(status), n)
	}
	return counts, rows.Err()
}

func (r *batchRepo) SoftDelete(ctx context.Context, tx repository.Tx, batchID string) error {
	now := time.Now()
	if _, err := execSQL(ctx, r.pool, tx,
		`UPDATE tasks SET deleted_at = $2, updated_at = $2 WHERE batch_id = $1 AND deleted_at IS NULL;`,
		batchID, now); err != nil {
		return err
	}
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE batches SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL;`,
		batchID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
