package documents

import (
	"context"

	"mindloom/api/internal/store"
)

// SQLStore adapts the postgres store to the pipeline's Store contract,
// threading transactions through InTransaction.
type SQLStore struct {
	*store.PostgresStore
}

func NewSQLStore(st *store.PostgresStore) SQLStore {
	return SQLStore{PostgresStore: st}
}

func (s SQLStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	return s.WithTx(ctx, func(tx *store.PostgresStore) error {
		return fn(SQLStore{PostgresStore: tx})
	})
}
