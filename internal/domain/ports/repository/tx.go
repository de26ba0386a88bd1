package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle. Its concrete type is infra-defined
// (pgx.Tx for Postgres); repositories must gracefully accept nil for the
// non-transactional path.
type Tx interface{}

// TransactionManager executes fn within a database transaction, passing the
// underlying handle via tx. If fn returns an error the transaction is rolled
// back, otherwise committed. Keeping the handle opaque keeps use-case
// interfaces free of storage types.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}

// UserLocker serializes mutations of a single user's ledger. Implementations
// must hold the lock until the surrounding transaction ends
// (pg_advisory_xact_lock or equivalent).
type UserLocker interface {
	LockUser(ctx context.Context, tx Tx, userID string) error
}
