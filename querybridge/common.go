package querybridge

import (
	"errors"
)

// Build errors: synchronous, latched into the builder, always fatal to that
// call chain.
var ErrEmptySourceName = errors.New("empty source name supplied")
var ErrUnsupportedOperator = errors.New("unsupported comparison operator")
var ErrUnsupportedDateUnit = errors.New("unsupported date unit")
var ErrUnknownJoinKind = errors.New("unknown join kind")
var ErrInvalidAggregate = errors.New("invalid aggregate expression")
var ErrNilCallback = errors.New("nil callback supplied")
var ErrNoLocalScopes = errors.New("no local scopes configured")
var ErrScopeNotFound = errors.New("local scope not found")

// Compile errors: the operation combination is not representable by the
// target backend. Compilation fails fast, never silently drops an operation.
var ErrBuildingQueryFailed = errors.New("failed to build native query")
var ErrUnrepresentableOperation = errors.New("operation not representable by this backend")

// Execution errors: joined with the verbatim driver error.
var ErrNilDatabaseConnection = errors.New("nil database connection supplied")
var ErrQueryingFailed = errors.New("query execution failed")
var ErrScanningRowFailed = errors.New("failed to scan result row")
var ErrTransactionFailed = errors.New("transaction failed")
var ErrInvalidCursor = errors.New("invalid pagination cursor")
var ErrNilHydrator = errors.New("nil hydration function supplied")
