package repository

import (
	"context"
	"time"
)

// IdempotencyRecord maps a client-supplied key to the batch it created.
type IdempotencyRecord struct {
	Key       string
	UserID    string
	BatchID   string
	CreatedAt time.Time
}

type IdempotencyRepository interface {
	// Insert fails with domain.ErrAlreadyExists when the key is taken,
	// which is how a concurrent duplicate create is detected.
	Insert(ctx context.Context, tx Tx, rec *IdempotencyRecord) error
	Find(ctx context.Context, tx Tx, key string) (*IdempotencyRecord, error)
	// PurgeOlderThan removes records outside the dedup window.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
