package repository

import (
	"context"
	"time"
)

// ProviderKeyRecord stores a user's own provider API key, encrypted at rest.
type ProviderKeyRecord struct {
	UserID       string
	Provider     string
	EncryptedKey string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ProviderKeyRepository interface {
	Upsert(ctx context.Context, tx Tx, rec *ProviderKeyRecord) error
	Find(ctx context.Context, tx Tx, userID, provider string) (*ProviderKeyRecord, error)
}
