package postgres

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/ports/repository"
)

// Ensure compile-time conformance
var (
	_ repository.TransactionManager = (*TxManager)(nil)
	_ repository.UserLocker         = (*TxManager)(nil)
)

// TxManager implements repository.TransactionManager for Postgres (pgx).
// It begins a transaction, invokes the callback, and commits/rolls back.
// The tx handle is passed to the callback as pgx.Tx behind repository.Tx.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTx opens a DB transaction and passes the tx handle to fn.
// If fn returns an error, the transaction is rolled back; otherwise it is committed.
func (m *TxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	// Default isolation level is ReadCommitted; the per-user advisory lock
	// provides the serialization the ledger needs on top of that.
	tx, err := m.pool.BeginTx(ctx, txOpt)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err // rollback in defer
	}
	return tx.Commit(ctx)
}

// LockUser takes a transaction-scoped advisory lock on the user, serializing
// all ledger mutations for that user. Released automatically at tx end.
func (m *TxManager) LockUser(ctx context.Context, tx repository.Tx, userID string) error {
	pgtx, ok := tx.(pgx.Tx)
	if !ok {
		return domain.ErrInvalidExecContext
	}
	_, err := pgtx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", hashToInt64(userID))
	return err
}

func hashToInt64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() & ((1 << 63) - 1))
}
