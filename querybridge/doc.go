// Package querybridge is a database-agnostic query construction and
// compilation layer. Callers build queries with one declarative operation
// vocabulary - predicates, joins, grouping, ordering, pagination,
// projections, scopes, raw escapes - and the layer compiles that vocabulary
// into the native query representation of whichever storage backend is
// attached: an aggregation pipeline for MongoDB (mongoengine) or
// parameterized SQL text with positional bindings for PostgreSQL
// (postgresengine).
//
// The core package holds the backend-independent pieces: the Operation
// model, the fluent Builder, the scope resolver, cursors, record hydration
// and the dependency-free observability interfaces. Both compilers walk the
// same operation sequence once, in order, merging adjacent compatible
// operations, and must select result sets satisfying the same logical
// predicate - target syntax differs, selection semantics do not.
//
//	b := querybridge.New("users").
//		Where("age", ">=", 18).
//		WhereStartsWith("name", "John").
//		OrderBy("name", querybridge.Ascending).
//		Limit(50)
//
//	compiled, err := postgresengine.Compile(b) // SQL text + bindings
//	pipeline, err := mongoengine.Compile(b)    // []bson.D pipeline
package querybridge
