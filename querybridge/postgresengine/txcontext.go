package postgresengine

import (
	"context"

	"github.com/querybridge/querybridge-go/querybridge/postgresengine/internal/adapters"
)

type txContextKey struct{}

// contextWithTx binds an open transaction to the context so store
// operations inside WithinTransaction route through it.
func contextWithTx(ctx context.Context, tx adapters.DBTx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (adapters.DBTx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(adapters.DBTx)
	return tx, ok
}
