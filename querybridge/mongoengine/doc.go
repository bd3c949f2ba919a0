// Package mongoengine compiles operation sequences into MongoDB aggregation
// pipelines and executes them through a collection adapter.
//
// The compiler walks a builder's operation sequence once, in order, keeping
// at most one pipeline stage open for merging: adjacent filters fold into
// one $match, adjacent projections into one $project, adjacent orderings
// into one $sort. Aggregation boundaries become $group stages with having
// predicates as post-aggregation $match stages; joins become $lookup.
// Operations without a pipeline equivalent, such as right or full joins,
// fail compilation with ErrUnrepresentableOperation rather than degrading
// silently.
//
// The Store runs compiled pipelines against a mongo.Collection, with
// optional logging, metrics, tracing, lifecycle hooks, session transactions
// and scope injection.
package mongoengine
