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

var _ repository.ProviderKeyRepository = (*providerKeyRepo)(nil)

type providerKeyRepo struct {
	pool *pgxpool.Pool
}

func NewProviderKeyRepo(pool *pgxpool.Pool) *providerKeyRepo {
	return &providerKeyRepo{pool: pool}
}

func (r *providerKeyRepo) Upsert(ctx context.Context, tx repository.Tx, rec *repository.ProviderKeyRecord) error {
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	const q = `
INSERT INTO provider_api_keys (user_id, provider, encrypted_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, provider) DO UPDATE SET
  encrypted_key = EXCLUDED.encrypted_key,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q, rec.UserID, rec.Provider, rec.EncryptedKey, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *providerKeyRepo) Find(ctx context.Context, tx repository.Tx, userID, provider string) (*repository.ProviderKeyRecord, error) {
	const q = `
SELECT user_id, provider, encrypted_key, created_at, updated_at
FROM provider_api_keys WHERE user_id = $1 AND provider = $2;`

	row, err := pickRow(ctx, r.pool, tx, q, userID, provider)
	if err != nil {
		return nil, err
	}
	var rec repository.ProviderKeyRecord
	if err := row.Scan(&rec.UserID, &rec.Provider, &rec.EncryptedKey, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &rec, nil
}
