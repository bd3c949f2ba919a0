package mongoengine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/querybridge/querybridge-go/querybridge"
	"github.com/querybridge/querybridge-go/querybridge/mongoengine/internal/adapters"
)

const (
	logMsgCompileQueryFailed = "failed to compile pipeline"
	logMsgAggregateFailed    = "aggregation execution failed"
	logMsgCloseCursorFailed  = "failed to close cursor"
	logMsgDecodeDocFailed    = "failed to decode document"
	logMsgTxFailed           = "transaction failed"
	logMsgQueryCompleted     = "query completed"
	logMsgCountCompleted     = "count completed"
	logMsgPipelineExecuted   = "executed pipeline for: "
	logMsgOperation          = "query store operation: "
	logAttrError             = "error"
	logAttrPipeline          = "pipeline"
	logAttrSource            = "source"
	logAttrQueryID           = "query_id"
	logAttrRecordCount       = "record_count"
	logAttrDurationMS        = "duration_ms"
	logActionQuery           = "query"
	logActionCount           = "count"
	spanNameQuery            = "querybridge.mongo.query"
	spanNameCount            = "querybridge.mongo.count"
	spanAttrOperation        = "operation"
	spanAttrSource           = "source"
	spanAttrRecordCount      = "record_count"
	spanAttrErrorType        = "error_type"
	metricQueryDuration      = "querybridge_query_duration"
	metricRecordsFetched     = "querybridge_records_fetched"
	metricDatabaseErrors     = "querybridge_database_errors"
	statusSuccess            = "success"
	statusError              = "error"
	errorTypeQuery           = "query_failed"
	errorTypeDecode          = "decode_failed"
)

// Store executes compiled aggregation pipelines against MongoDB through a
// collection adapter. It supports customizable logging, metrics, tracing,
// lifecycle hooks and a scope registry consulted at query time.
type Store struct {
	collection       adapters.CollectionAdapter
	sessions         adapters.SessionAdapter
	scopes           *querybridge.ScopeRegistry
	hooks            querybridge.Hooks
	logger           querybridge.Logger
	contextualLogger querybridge.ContextualLogger
	metricsCollector querybridge.MetricsCollector
	tracingCollector querybridge.TracingCollector
}

// NewStoreFromCollection creates a new Store using a driver collection with
// optional configuration. Transactions use the collection's client.
func NewStoreFromCollection(collection *mongo.Collection, options ...Option) (Store, error) {
	if collection == nil {
		return Store{}, querybridge.ErrNilDatabaseConnection
	}

	store := Store{
		collection: adapters.NewMongoAdapter(collection),
		sessions:   adapters.NewClientSessionAdapter(collection.Database().Client()),
	}

	for _, option := range options {
		if err := option(&store); err != nil {
			return Store{}, err
		}
	}

	return store, nil
}

// NewQuery starts a builder for the store's collection, wired to the scope
// registry so global scopes are injected at compile time.
func (s Store) NewQuery() *querybridge.Builder {
	return querybridge.New(s.collection.Name(), querybridge.WithScopes(s.scopes))
}

// Query compiles the builder and fetches all matching documents.
func (s Store) Query(ctx context.Context, b *querybridge.Builder) ([]querybridge.Record, error) {
	pipeline, compileErr := Compile(b)
	if compileErr != nil {
		s.logError(ctx, logMsgCompileQueryFailed, compileErr)
		return nil, compileErr
	}

	records, _, err := s.fetch(ctx, logActionQuery, b.Source(), pipeline)

	return records, err
}

// Count compiles and runs the count form of the builder's query: the same
// predicate stages terminated by $count.
func (s Store) Count(ctx context.Context, b *querybridge.Builder) (int64, error) {
	pipeline, compileErr := CompileCount(b)
	if compileErr != nil {
		s.logError(ctx, logMsgCompileQueryFailed, compileErr)
		return 0, compileErr
	}

	records, _, err := s.fetch(ctx, logActionCount, b.Source(), pipeline)
	if err != nil {
		return 0, err
	}

	// $count emits no document at all over an empty input set.
	if len(records) == 0 {
		return 0, nil
	}

	count, countErr := countFromRecord(records[0])
	if countErr != nil {
		s.logError(ctx, logMsgDecodeDocFailed, countErr)
		return 0, countErr
	}

	s.logOperation(ctx, logMsgCountCompleted, logAttrSource, b.Source(), logAttrRecordCount, count)

	return count, nil
}

// Paginate fetches one page using offset pagination. Pages are 1-based; the
// store probes one document past the page size to detect whether more pages
// exist without a second query.
func (s Store) Paginate(ctx context.Context, b *querybridge.Builder, page, perPage uint) (querybridge.Page, error) {
	if page == 0 {
		page = 1
	}

	probe := b.Clone().Offset((page - 1) * perPage).Limit(perPage + 1)

	records, err := s.Query(ctx, probe)
	if err != nil {
		return querybridge.Page{}, err
	}

	hasMore := uint(len(records)) > perPage
	if hasMore {
		records = records[:perPage]
	}

	return querybridge.Page{Records: records, HasMore: hasMore}, nil
}

// CursorPaginate fetches one page using keyset pagination over the builder's
// ordering keys. An empty token fetches the first page; the returned
// NextCursor resumes after the last document of this page. The builder must
// carry at least one OrderBy and the token's keys must match it.
func (s Store) CursorPaginate(ctx context.Context, b *querybridge.Builder, token string, limit uint) (querybridge.Page, error) {
	sorts := sortKeysOf(b)
	if len(sorts) == 0 {
		return querybridge.Page{}, errors.Join(
			querybridge.ErrInvalidCursor,
			errors.New("cursor pagination requires at least one ordering key"),
		)
	}

	probe := b.Clone()

	if token != "" {
		cursor, decodeErr := querybridge.DecodeCursor(token)
		if decodeErr != nil {
			return querybridge.Page{}, decodeErr
		}

		withPredicate, predicateErr := applyCursorPredicate(probe, sorts, cursor)
		if predicateErr != nil {
			return querybridge.Page{}, predicateErr
		}
		probe = withPredicate
	}

	probe = probe.Limit(limit + 1)

	records, err := s.Query(ctx, probe)
	if err != nil {
		return querybridge.Page{}, err
	}

	hasMore := uint(len(records)) > limit
	if hasMore {
		records = records[:limit]
	}

	nextCursor := ""
	if hasMore && len(records) > 0 {
		encoded, encodeErr := encodeNextCursor(records[len(records)-1], sorts)
		if encodeErr != nil {
			return querybridge.Page{}, encodeErr
		}
		nextCursor = encoded
	}

	return querybridge.Page{Records: records, HasMore: hasMore, NextCursor: nextCursor}, nil
}

// WithinTransaction runs fn inside a server session transaction. Store
// operations performed with the callback's context join the transaction,
// which commits when fn returns nil and aborts when it errors. The driver
// may retry fn on transient errors, so callbacks must be idempotent.
func (s Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.Join(querybridge.ErrNilCallback, errors.New("WithinTransaction requires a callback"))
	}

	if err := s.sessions.WithinTransaction(ctx, fn); err != nil {
		wrapped := errors.Join(querybridge.ErrTransactionFailed, err)
		s.logError(ctx, logMsgTxFailed, wrapped)
		return wrapped
	}

	return nil
}

// QueryAs fetches all matching documents and hydrates each into T. A nil
// hydrate falls back to JSON round-trip decoding into T.
func QueryAs[T any](ctx context.Context, store Store, b *querybridge.Builder, hydrate querybridge.HydrateFunc[T]) ([]T, error) {
	if hydrate == nil {
		hydrate = querybridge.DecodeRecord[T]
	}

	records, err := store.Query(ctx, b)
	if err != nil {
		return nil, err
	}

	info := querybridge.FetchInfo{Source: b.Source(), RecordCount: len(records)}
	store.hooks.FireBeforeHydrate(ctx, info)

	hydrated, hydrateErr := querybridge.HydrateAll(records, hydrate)
	store.hooks.FireAfterHydrate(ctx, info, hydrateErr)

	return hydrated, hydrateErr
}

// fetch runs a compiled pipeline and decodes all documents into records,
// firing lifecycle hooks and observability around the round trip.
func (s Store) fetch(
	ctx context.Context,
	action string,
	source string,
	pipeline CompiledPipeline,
) ([]querybridge.Record, time.Duration, error) {

	queryID := uuid.New()
	summary := summarizePipeline(pipeline)
	info := querybridge.FetchInfo{QueryID: queryID, Source: source, Query: summary}
	s.hooks.FireBeforeFetch(ctx, info)

	spanName := spanNameQuery
	if action == logActionCount {
		spanName = spanNameCount
	}
	ctx, span := s.startTraceSpan(ctx, spanName, map[string]string{
		spanAttrOperation: action,
		spanAttrSource:    source,
	})

	start := time.Now()
	cursor, aggregateErr := s.collection.Aggregate(ctx, pipeline)
	if aggregateErr != nil {
		wrapped := errors.Join(querybridge.ErrQueryingFailed, aggregateErr)
		duration := time.Since(start)
		info.Duration = duration
		s.hooks.FireAfterFetch(ctx, info, wrapped)
		s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeQuery})
		s.logError(ctx, logMsgAggregateFailed, wrapped, logAttrPipeline, summary, logAttrQueryID, queryID.String())
		s.recordErrorMetrics(ctx, action, errorTypeQuery)
		return nil, duration, wrapped
	}
	defer s.closeCursor(ctx, cursor)

	records, decodeErr := decodeRecords(ctx, cursor)
	duration := time.Since(start)
	info.Duration = duration
	info.RecordCount = len(records)

	if decodeErr != nil {
		s.hooks.FireAfterFetch(ctx, info, decodeErr)
		s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeDecode})
		s.logError(ctx, logMsgDecodeDocFailed, decodeErr, logAttrQueryID, queryID.String())
		s.recordErrorMetrics(ctx, action, errorTypeDecode)
		return nil, duration, decodeErr
	}

	s.hooks.FireAfterFetch(ctx, info, nil)
	s.finishTraceSpan(span, statusSuccess, map[string]string{spanAttrRecordCount: formatCount(len(records))})
	s.logQueryWithDuration(ctx, summary, action, duration)
	s.logOperation(ctx, logMsgQueryCompleted,
		logAttrSource, source,
		logAttrRecordCount, len(records),
		logAttrDurationMS, toMilliseconds(duration))
	s.recordDurationMetrics(ctx, action, statusSuccess, duration)
	s.recordRecordCountMetrics(ctx, action, len(records))

	return records, duration, nil
}

// decodeRecords reads every document off the cursor into records.
func decodeRecords(ctx context.Context, cursor adapters.DocumentCursor) ([]querybridge.Record, error) {
	var records []querybridge.Record

	for cursor.Next(ctx) {
		var doc bson.M
		if decodeErr := cursor.Decode(&doc); decodeErr != nil {
			return nil, errors.Join(querybridge.ErrScanningRowFailed, decodeErr)
		}

		records = append(records, querybridge.Record(doc))
	}

	if iterationErr := cursor.Err(); iterationErr != nil {
		return nil, errors.Join(querybridge.ErrQueryingFailed, iterationErr)
	}

	return records, nil
}

func (s Store) closeCursor(ctx context.Context, cursor adapters.DocumentCursor) {
	if closeErr := cursor.Close(ctx); closeErr != nil {
		s.logError(ctx, logMsgCloseCursorFailed, closeErr)
	}
}

// countFromRecord reads the $count result, tolerating the numeric type the
// driver picked.
func countFromRecord(record querybridge.Record) (int64, error) {
	switch value := record[countField].(type) {
	case int32:
		return int64(value), nil
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		return int64(value), nil
	default:
		return 0, errors.Join(
			querybridge.ErrScanningRowFailed,
			errors.New("count result carries no numeric count field"),
		)
	}
}

// summarizePipeline renders the stage operators in order, for logs and
// lifecycle hooks. Full stage bodies stay out of log lines.
func summarizePipeline(pipeline CompiledPipeline) string {
	names := make([]string, 0, len(pipeline))

	for _, stage := range pipeline {
		if len(stage) > 0 {
			names = append(names, stage[0].Key)
		}
	}

	return strings.Join(names, "|")
}

func sortKeysOf(b *querybridge.Builder) []querybridge.SortPayload {
	var sorts []querybridge.SortPayload

	for _, op := range b.Operations() {
		if op.Stage() == querybridge.StageSort {
			if payload, ok := op.Payload().(querybridge.SortPayload); ok {
				sorts = append(sorts, payload)
			}
		}
	}

	return sorts
}

// applyCursorPredicate narrows the query to documents strictly after the
// cursor position in sort order: for keys k1..kn the predicate is
// (k1 after v1) OR (k1 = v1 AND k2 after v2) OR ... where "after" follows
// each key's sort direction.
func applyCursorPredicate(
	b *querybridge.Builder,
	sorts []querybridge.SortPayload,
	cursor querybridge.Cursor,
) (*querybridge.Builder, error) {

	if len(cursor.Keys) != len(sorts) {
		return nil, errors.Join(querybridge.ErrInvalidCursor, errors.New("cursor keys do not match query ordering"))
	}
	for i, key := range cursor.Keys {
		if key.Field != sorts[i].Field {
			return nil, errors.Join(querybridge.ErrInvalidCursor, errors.New("cursor keys do not match query ordering"))
		}
	}

	narrowed := b.OrWhere(func(or *querybridge.Builder) {
		for i := range sorts {
			branch := i
			or.WhereGroup(func(group *querybridge.Builder) {
				for j := 0; j < branch; j++ {
					group.Where(sorts[j].Field, "=", cursor.Keys[j].Value)
				}
				group.Where(sorts[branch].Field, afterOperator(sorts[branch].Direction), cursor.Keys[branch].Value)
			})
		}
	})

	if err := narrowed.Err(); err != nil {
		return nil, err
	}

	return narrowed, nil
}

func afterOperator(direction querybridge.Direction) string {
	if direction == querybridge.Descending {
		return "<"
	}

	return ">"
}

func encodeNextCursor(last querybridge.Record, sorts []querybridge.SortPayload) (string, error) {
	keys := make([]querybridge.CursorKey, len(sorts))
	for i, sort := range sorts {
		keys[i] = querybridge.CursorKey{Field: sort.Field, Value: last[sort.Field]}
	}

	return querybridge.Cursor{Keys: keys}.Encode()
}
