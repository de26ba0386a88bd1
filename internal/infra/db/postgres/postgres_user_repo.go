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

var _ repository.UserRepository = (*userRepo)(nil)

type userRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *userRepo {
	return &userRepo{pool: pool}
}

func (r *userRepo) Save(ctx context.Context, tx repository.Tx, u *model.User) error {
	u.UpdatedAt = time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = u.UpdatedAt
	}
	const q = `
INSERT INTO users (id, username, role, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  username = EXCLUDED.username,
  role = EXCLUDED.role,
  enabled = EXCLUDED.enabled,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q, u.ID, u.Username, u.Role, u.Enabled, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *userRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	const q = `
SELECT id, username, role, enabled, created_at, updated_at
FROM users WHERE id = $1;`
	return r.scanOne(ctx, tx, q, id)
}

func (r *userRepo) FindByUsername(ctx context.Context, tx repository.Tx, username string) (*model.User, error) {
	const q = `
SELECT id, username, role, enabled, created_at, updated_at
FROM users WHERE username = $1;`
	return r.scanOne(ctx, tx, q, username)
}

func (r *userRepo) scanOne(ctx context.Context, tx repository.Tx, q string, arg interface{}) (*model.User, error) {
	row, err := pickRow(ctx, r.pool, tx, q, arg)
	if err != nil {
		return nil, err
	}
	var u model.User
	var role string
	err = row.Scan(&u.ID, &u.Username, &role, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	u.Role = model.UserRole(role)
	return &u, nil
}
