package adapters

import "context"

// CollectionAdapter defines the interface for collection operations needed by the query store.
type CollectionAdapter interface {
	Aggregate(ctx context.Context, pipeline any) (DocumentCursor, error)
	Name() string
}

// DocumentCursor defines the interface for aggregation result cursors.
type DocumentCursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// SessionAdapter defines the interface for running a callback inside a
// server session transaction. Operations performed with the callback's
// context join the transaction.
type SessionAdapter interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
