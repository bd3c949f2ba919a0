// Package postgresengine compiles operation sequences into parameterized
// PostgreSQL and executes them through pluggable database adapters.
//
// The compiler walks a builder's operation sequence once, in order, and
// renders a single SELECT statement with positional bindings; values never
// appear in the SQL text. Operations without a relational equivalent, such
// as first/last accumulators or a second aggregation boundary, fail
// compilation with ErrUnrepresentableOperation rather than degrading
// silently.
//
// The Store executes compiled queries against pgx.Pool, sql.DB, or sqlx.DB
// connections through a common adapter interface, with optional logging,
// metrics, tracing, lifecycle hooks, ambient transactions and scope
// injection.
package postgresengine
