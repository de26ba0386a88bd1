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

var _ repository.TaskRepository = (*taskRepo)(nil)

type taskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *taskRepo {
	return &taskRepo{pool: pool}
}

func (r *taskRepo) Save(ctx context.Context, tx repository.Tx, t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewTaskID()
	}
	t.UpdatedAt = time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	const q = `
INSERT INTO tasks (id, batch_id, user_id, prompt, model, orientation, size, duration, image_ref,
                   status, provider_job_id, result_ref, error_summary, retries, created_at, updated_at, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''),
        $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  provider_job_id = EXCLUDED.provider_job_id,
  result_ref = EXCLUDED.result_ref,
  error_summary = EXCLUDED.error_summary,
  retries = EXCLUDED.retries,
  updated_at = EXCLUDED.updated_at,
  deleted_at = EXCLUDED.deleted_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		t.ID, t.BatchID, t.UserID, t.Prompt, t.Model, t.Orientation, t.Size, t.Duration, t.ImageRef,
		t.Status, t.ProviderJobID, t.ResultRef, t.ErrorSummary, t.Retries, t.CreatedAt, t.UpdatedAt, t.DeletedAt)
	return err
}

const taskCols = `id, batch_id, user_id, prompt, model, orientation, size, duration, COALESCE(image_ref, ''),
       status, COALESCE(provider_job_id, ''), COALESCE(result_ref, ''), COALESCE(error_summary, ''),
       retries, created_at, updated_at, deleted_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var orientation, status string
	err := row.Scan(&t.ID, &t.BatchID, &t.UserID, &t.Prompt, &t.Model, &orientation, &t.Size,
		&t.Duration, &t.ImageRef, &status, &t.ProviderJobID, &t.ResultRef, &t.ErrorSummary,
		&t.Retries, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	t.Orientation = model.Orientation(orientation)
	t.Status = model.TaskStatus(status)
	return &t, nil
}

func (r *taskRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE id = $1 AND deleted_at IS NULL;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanTask(row)
}

func (r *taskRepo) ListByBatch(ctx context.Context, tx repository.Tx, batchID string) ([]*model.Task, error) {
	q := `SELECT ` + taskCols + `
FROM tasks WHERE batch_id = $1 AND deleted_at IS NULL
ORDER BY created_at, id;`

	rows, err := pickRows(ctx, r.pool, tx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim moves a waiting task to running. The WHERE clause makes the claim
// atomic: whichever caller's UPDATE lands first owns the task.
func (r *taskRepo) Claim(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE tasks SET status = 'running', updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'queued') AND deleted_at IS NULL;`

	tag, err := execSQL(ctx, r.pool, nil, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, from []model.TaskStatus, to model.TaskStatus, errorSummary string) (bool, error) {
	fromStrs := make([]string, 0, len(from))
	for _, s := range from {
		fromStrs = append(fromStrs, string(s))
	}
	const q = `
UPDATE tasks SET status = $2, error_summary = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1 AND status = ANY($4) AND deleted_at IS NULL;`

	tag, err := execSQL(ctx, r.pool, tx, q, id, to, errorSummary, fromStrs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *taskRepo) SetProviderJobID(ctx context.Context, tx repository.Tx, id, providerJobID string) error {
	const q = `UPDATE tasks SET provider_job_id = $2, updated_at = NOW() WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, providerJobID)
	return err
}

func (r *taskRepo) SetResult(ctx context.Context, tx repository.Tx, id, resultRef string) error {
	const q = `UPDATE tasks SET result_ref = $2, updated_at = NOW() WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, resultRef)
	return err
}

func (r *taskRepo) SoftDelete(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE tasks SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL;`
	tag, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *taskRepo) ListStuckRunning(ctx context.Context, tx repository.Tx, olderThan time.Duration) ([]*model.Task, error) {
	q := `SELECT ` + taskCols + `
FROM tasks
WHERE status = 'running' AND deleted_at IS NULL
  AND updated_at < $1;`

	rows, err := pickRows(ctx, r.pool, tx, q, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *taskRepo) ListRecoverable(ctx context.Context) ([]string, error) {
	const q = `
SELECT id FROM tasks
WHERE status IN ('pending', 'queued') AND deleted_at IS NULL
ORDER BY created_at, id;`

	rows, err := pickRows(ctx, r.pool, nil, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
