package adapters

import "context"

// DBAdapter defines the interface for database operations needed by the query store.
type DBAdapter interface {
	Query(ctx context.Context, query string, args ...any) (DBRows, error)
	BeginTx(ctx context.Context) (DBTx, error)
}

// DBTx defines the interface for operations bound to an open transaction.
type DBTx interface {
	Query(ctx context.Context, query string, args ...any) (DBRows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DBRows defines the interface for query result rows.
type DBRows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Close() error
	Err() error
}
