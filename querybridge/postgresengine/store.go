package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/querybridge/querybridge-go/querybridge"
	"github.com/querybridge/querybridge-go/querybridge/postgresengine/internal/adapters"
)

const (
	logMsgCompileQueryFailed = "failed to compile query"
	logMsgDBQueryFailed      = "database query execution failed"
	logMsgCloseRowsFailed    = "failed to close database rows"
	logMsgScanRowFailed      = "failed to scan database row"
	logMsgCountScanFailed    = "failed to scan count result"
	logMsgTxBeginFailed      = "failed to begin transaction"
	logMsgTxCommitFailed     = "failed to commit transaction"
	logMsgTxRollbackFailed   = "failed to roll back transaction"
	logMsgQueryCompleted     = "query completed"
	logMsgCountCompleted     = "count completed"
	logMsgSQLExecuted        = "executed sql for: "
	logMsgOperation          = "query store operation: "
	logAttrError             = "error"
	logAttrQuery             = "query"
	logAttrSource            = "source"
	logAttrQueryID           = "query_id"
	logAttrRecordCount       = "record_count"
	logAttrDurationMS        = "duration_ms"
	logActionQuery           = "query"
	logActionCount           = "count"
	logActionPaginate        = "paginate"
	logActionCursorPaginate  = "cursor_paginate"
	spanNameQuery            = "querybridge.postgres.query"
	spanNameCount            = "querybridge.postgres.count"
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
	errorTypeScan            = "scan_failed"
)

// Store executes compiled relational queries against PostgreSQL through a
// database adapter. It supports customizable logging, metrics, tracing,
// lifecycle hooks and a scope registry consulted at query time.
type Store struct {
	db               adapters.DBAdapter
	scopes           *querybridge.ScopeRegistry
	hooks            querybridge.Hooks
	logger           querybridge.Logger
	contextualLogger querybridge.ContextualLogger
	metricsCollector querybridge.MetricsCollector
	tracingCollector querybridge.TracingCollector
}

// NewStoreFromPGXPool creates a new Store using a pgx Pool with optional configuration.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, querybridge.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapter(db), options...)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB with optional configuration.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, querybridge.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional configuration.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, querybridge.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLXAdapter(db), options...)
}

func newStore(db adapters.DBAdapter, options ...Option) (Store, error) {
	store := Store{db: db}

	for _, option := range options {
		if err := option(&store); err != nil {
			return Store{}, err
		}
	}

	return store, nil
}

// NewQuery starts a builder for the given table, wired to the store's scope
// registry so global scopes are injected at compile time.
func (s Store) NewQuery(source string) *querybridge.Builder {
	return querybridge.New(source, querybridge.WithScopes(s.scopes))
}

// Query compiles the builder and fetches all matching records.
func (s Store) Query(ctx context.Context, b *querybridge.Builder) ([]querybridge.Record, error) {
	compiled, compileErr := Compile(b)
	if compileErr != nil {
		s.logError(ctx, logMsgCompileQueryFailed, compileErr)
		return nil, compileErr
	}

	records, _, err := s.fetch(ctx, logActionQuery, b.Source(), compiled)

	return records, err
}

// Count compiles and runs the count form of the builder's query: the same
// predicate operations with projection, ordering and pagination stripped.
func (s Store) Count(ctx context.Context, b *querybridge.Builder) (int64, error) {
	compiled, compileErr := CompileCount(b)
	if compileErr != nil {
		s.logError(ctx, logMsgCompileQueryFailed, compileErr)
		return 0, compileErr
	}

	queryID := uuid.New()
	info := querybridge.FetchInfo{QueryID: queryID, Source: b.Source(), Query: compiled.SQL}
	s.hooks.FireBeforeFetch(ctx, info)

	ctx, span := s.startTraceSpan(ctx, spanNameCount, map[string]string{
		spanAttrOperation: logActionCount,
		spanAttrSource:    b.Source(),
	})

	start := time.Now()
	rows, queryErr := s.send(ctx, compiled)
	if queryErr != nil {
		wrapped := errors.Join(querybridge.ErrQueryingFailed, queryErr)
		info.Duration = time.Since(start)
		s.hooks.FireAfterFetch(ctx, info, wrapped)
		s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeQuery})
		s.logError(ctx, logMsgDBQueryFailed, wrapped, logAttrQuery, compiled.SQL)
		s.recordErrorMetrics(ctx, logActionCount, errorTypeQuery)
		return 0, wrapped
	}
	defer s.closeRows(ctx, rows)

	var count int64
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			wrapped := errors.Join(querybridge.ErrScanningRowFailed, scanErr)
			info.Duration = time.Since(start)
			s.hooks.FireAfterFetch(ctx, info, wrapped)
			s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeScan})
			s.logError(ctx, logMsgCountScanFailed, wrapped)
			s.recordErrorMetrics(ctx, logActionCount, errorTypeScan)
			return 0, wrapped
		}
	}

	duration := time.Since(start)
	info.Duration = duration
	info.RecordCount = int(count)
	s.hooks.FireAfterFetch(ctx, info, nil)
	s.finishTraceSpan(span, statusSuccess, map[string]string{spanAttrRecordCount: formatCount(int(count))})
	s.logQueryWithDuration(ctx, compiled.SQL, logActionCount, duration)
	s.logOperation(ctx, logMsgCountCompleted, logAttrSource, b.Source(), logAttrRecordCount, count)
	s.recordDurationMetrics(ctx, logActionCount, statusSuccess, duration)

	return count, nil
}

// Paginate fetches one page using offset pagination. Pages are 1-based; the
// store probes one record past the page size to detect whether more pages
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
// NextCursor resumes after the last record of this page. The builder must
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

// WithinTransaction runs fn with a transaction bound to the callback's
// context: every store operation inside fn joins that transaction. The
// transaction commits when fn returns nil and rolls back when it errors.
// Nested calls join the already open transaction.
func (s Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.Join(querybridge.ErrNilCallback, errors.New("WithinTransaction requires a callback"))
	}

	if _, alreadyOpen := txFromContext(ctx); alreadyOpen {
		return fn(ctx)
	}

	tx, beginErr := s.db.BeginTx(ctx)
	if beginErr != nil {
		wrapped := errors.Join(querybridge.ErrTransactionFailed, beginErr)
		s.logError(ctx, logMsgTxBeginFailed, wrapped)
		return wrapped
	}

	if callbackErr := fn(contextWithTx(ctx, tx)); callbackErr != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			s.logError(ctx, logMsgTxRollbackFailed, rollbackErr)
		}
		return callbackErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		wrapped := errors.Join(querybridge.ErrTransactionFailed, commitErr)
		s.logError(ctx, logMsgTxCommitFailed, wrapped)
		return wrapped
	}

	return nil
}

// QueryAs fetches all matching records and hydrates each into T. A nil
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

// fetch executes a compiled query and scans all rows into records, firing
// lifecycle hooks and observability around the round trip.
func (s Store) fetch(
	ctx context.Context,
	action string,
	source string,
	compiled CompiledQuery,
) ([]querybridge.Record, time.Duration, error) {

	queryID := uuid.New()
	info := querybridge.FetchInfo{QueryID: queryID, Source: source, Query: compiled.SQL}
	s.hooks.FireBeforeFetch(ctx, info)

	ctx, span := s.startTraceSpan(ctx, spanNameQuery, map[string]string{
		spanAttrOperation: action,
		spanAttrSource:    source,
	})

	start := time.Now()
	rows, queryErr := s.send(ctx, compiled)
	if queryErr != nil {
		wrapped := errors.Join(querybridge.ErrQueryingFailed, queryErr)
		duration := time.Since(start)
		info.Duration = duration
		s.hooks.FireAfterFetch(ctx, info, wrapped)
		s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeQuery})
		s.logError(ctx, logMsgDBQueryFailed, wrapped, logAttrQuery, compiled.SQL, logAttrQueryID, queryID.String())
		s.recordErrorMetrics(ctx, action, errorTypeQuery)
		return nil, duration, wrapped
	}
	defer s.closeRows(ctx, rows)

	records, scanErr := scanRecords(rows)
	duration := time.Since(start)
	info.Duration = duration
	info.RecordCount = len(records)

	if scanErr != nil {
		s.hooks.FireAfterFetch(ctx, info, scanErr)
		s.finishTraceSpan(span, statusError, map[string]string{spanAttrErrorType: errorTypeScan})
		s.logError(ctx, logMsgScanRowFailed, scanErr, logAttrQueryID, queryID.String())
		s.recordErrorMetrics(ctx, action, errorTypeScan)
		return nil, duration, scanErr
	}

	s.hooks.FireAfterFetch(ctx, info, nil)
	s.finishTraceSpan(span, statusSuccess, map[string]string{spanAttrRecordCount: formatCount(len(records))})
	s.logQueryWithDuration(ctx, compiled.SQL, action, duration)
	s.logOperation(ctx, logMsgQueryCompleted,
		logAttrSource, source,
		logAttrRecordCount, len(records),
		logAttrDurationMS, toMilliseconds(duration))
	s.recordDurationMetrics(ctx, action, statusSuccess, duration)
	s.recordRecordCountMetrics(ctx, action, len(records))

	return records, duration, nil
}

// send routes the compiled query through an open ambient transaction when
// one is bound to the context, otherwise through the pool.
func (s Store) send(ctx context.Context, compiled CompiledQuery) (adapters.DBRows, error) {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Query(ctx, compiled.SQL, compiled.Args...)
	}

	return s.db.Query(ctx, compiled.SQL, compiled.Args...)
}

// scanRecords reads every row into a column-name keyed record.
func scanRecords(rows adapters.DBRows) ([]querybridge.Record, error) {
	columns, columnsErr := rows.Columns()
	if columnsErr != nil {
		return nil, errors.Join(querybridge.ErrScanningRowFailed, columnsErr)
	}

	var records []querybridge.Record

	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}

		if scanErr := rows.Scan(targets...); scanErr != nil {
			return nil, errors.Join(querybridge.ErrScanningRowFailed, scanErr)
		}

		record := make(querybridge.Record, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i])
		}

		records = append(records, record)
	}

	if iterationErr := rows.Err(); iterationErr != nil {
		return nil, errors.Join(querybridge.ErrQueryingFailed, iterationErr)
	}

	return records, nil
}

// normalizeValue converts driver byte slices (text, jsonb) to strings so
// records hydrate uniformly across pgx and database/sql.
func normalizeValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}

	return value
}

func (s Store) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		s.logError(ctx, logMsgCloseRowsFailed, closeErr)
	}
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

// applyCursorPredicate narrows the query to records strictly after the
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
