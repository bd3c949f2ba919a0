package postgresengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge-go/querybridge"
	"github.com/querybridge/querybridge-go/querybridge/postgresengine/internal/adapters"
)

type executedQuery struct {
	sql  string
	args []any
}

// fakeAdapter implements adapters.DBAdapter for store tests, replaying
// canned rows and recording every executed query.
type fakeAdapter struct {
	columns  []string
	rows     [][]any
	queryErr error
	executed []executedQuery
	txBegun  int
	lastTx   *fakeTx
}

func (f *fakeAdapter) Query(_ context.Context, query string, args ...any) (adapters.DBRows, error) {
	f.executed = append(f.executed, executedQuery{sql: query, args: args})
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	return &fakeRows{columns: f.columns, rows: f.rows}, nil
}

func (f *fakeAdapter) BeginTx(_ context.Context) (adapters.DBTx, error) {
	f.txBegun++
	f.lastTx = &fakeTx{adapter: f}

	return f.lastTx, nil
}

type fakeTx struct {
	adapter    *fakeAdapter
	queries    int
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Query(ctx context.Context, query string, args ...any) (adapters.DBRows, error) {
	f.queries++
	return f.adapter.Query(ctx, query, args...)
}

func (f *fakeTx) Commit(_ context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(_ context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeRows struct {
	columns []string
	rows    [][]any
	pos     int
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++

	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.pos-1]

	for i, target := range dest {
		switch typed := target.(type) {
		case *any:
			*typed = row[i]
		case *int64:
			value, ok := row[i].(int64)
			if !ok {
				return errors.New("fake row value is not int64")
			}
			*typed = value
		default:
			return errors.New("unsupported scan target in fake")
		}
	}

	return nil
}

func (f *fakeRows) Columns() ([]string, error) {
	return f.columns, nil
}

func (f *fakeRows) Close() error { return nil }

func (f *fakeRows) Err() error { return nil }

func storeWithFake(t *testing.T, fake *fakeAdapter, options ...Option) Store {
	t.Helper()

	store, err := newStore(fake, options...)
	require.NoError(t, err)

	return store
}

func Test_Store_Query_ScansRowsIntoRecords(t *testing.T) {
	fake := &fakeAdapter{
		columns: []string{"id", "name"},
		rows: [][]any{
			{int64(1), "John"},
			{int64(2), "Ann"},
		},
	}
	store := storeWithFake(t, fake)

	records, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0]["id"])
	assert.Equal(t, "John", records[0]["name"])
	assert.Equal(t, "Ann", records[1]["name"])

	require.Len(t, fake.executed, 1)
	assert.Contains(t, fake.executed[0].sql, `FROM "users"`)
}

func Test_Store_Query_NormalizesByteSliceValues(t *testing.T) {
	fake := &fakeAdapter{
		columns: []string{"payload"},
		rows:    [][]any{{[]byte(`{"a":1}`)}},
	}
	store := storeWithFake(t, fake)

	records, err := store.Query(context.Background(), querybridge.New("events"))
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, `{"a":1}`, records[0]["payload"])
}

func Test_Store_Query_WrapsDriverErrors(t *testing.T) {
	fake := &fakeAdapter{queryErr: errors.New("connection refused")}
	store := storeWithFake(t, fake)

	_, err := store.Query(context.Background(), querybridge.New("users"))

	assert.ErrorIs(t, err, querybridge.ErrQueryingFailed)
	assert.ErrorContains(t, err, "connection refused")
}

func Test_Store_Query_SurfacesCompileErrors(t *testing.T) {
	fake := &fakeAdapter{}
	store := storeWithFake(t, fake)

	_, err := store.Query(context.Background(), querybridge.New("users").Where("a", "bogus", 1))

	assert.ErrorIs(t, err, querybridge.ErrUnsupportedOperator)
	assert.Empty(t, fake.executed)
}

func Test_Store_Query_FiresFetchHooks(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}

	var before, after []querybridge.FetchInfo
	var afterErr error
	store := storeWithFake(t, fake, WithHooks(querybridge.Hooks{
		BeforeFetch: func(_ context.Context, info querybridge.FetchInfo) {
			before = append(before, info)
		},
		AfterFetch: func(_ context.Context, info querybridge.FetchInfo, err error) {
			after = append(after, info)
			afterErr = err
		},
	}))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	require.NoError(t, afterErr)
	assert.Equal(t, "users", before[0].Source)
	assert.NotEmpty(t, before[0].Query)
	assert.Equal(t, before[0].QueryID, after[0].QueryID)
	assert.Equal(t, 1, after[0].RecordCount)
}

func Test_Store_Count_ReadsSingleValue(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"count"}, rows: [][]any{{int64(7)}}}
	store := storeWithFake(t, fake)

	count, err := store.Count(context.Background(), querybridge.New("users").Where("active", "=", true))
	require.NoError(t, err)

	assert.Equal(t, int64(7), count)
	require.Len(t, fake.executed, 1)
	assert.Contains(t, fake.executed[0].sql, "COUNT(*)")
	assert.NotContains(t, fake.executed[0].sql, "ORDER BY")
}

func Test_Store_Paginate_ProbesOnePastPageSize(t *testing.T) {
	fake := &fakeAdapter{
		columns: []string{"id"},
		rows:    [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
	}
	store := storeWithFake(t, fake)

	page, err := store.Paginate(context.Background(), querybridge.New("users"), 1, 2)
	require.NoError(t, err)

	assert.True(t, page.HasMore)
	assert.Len(t, page.Records, 2)
}

func Test_Store_Paginate_LastPageHasNoMore(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}
	store := storeWithFake(t, fake)

	page, err := store.Paginate(context.Background(), querybridge.New("users"), 1, 2)
	require.NoError(t, err)

	assert.False(t, page.HasMore)
	assert.Len(t, page.Records, 1)
	assert.Empty(t, page.NextCursor)
}

func Test_Store_CursorPaginate_RequiresOrdering(t *testing.T) {
	store := storeWithFake(t, &fakeAdapter{})

	_, err := store.CursorPaginate(context.Background(), querybridge.New("users"), "", 10)

	assert.ErrorIs(t, err, querybridge.ErrInvalidCursor)
}

func Test_Store_CursorPaginate_FirstPageEmitsResumableCursor(t *testing.T) {
	fake := &fakeAdapter{
		columns: []string{"id", "name"},
		rows: [][]any{
			{int64(1), "Ann"},
			{int64(2), "John"},
			{int64(3), "Zoe"},
		},
	}
	store := storeWithFake(t, fake)

	b := querybridge.New("users").OrderBy("name", querybridge.Ascending)

	page, err := store.CursorPaginate(context.Background(), b, "", 2)
	require.NoError(t, err)

	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 2)
	require.NotEmpty(t, page.NextCursor)

	cursor, err := querybridge.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	require.Len(t, cursor.Keys, 1)
	assert.Equal(t, "name", cursor.Keys[0].Field)
	assert.Equal(t, "John", cursor.Keys[0].Value)
}

func Test_Store_CursorPaginate_TokenNarrowsNextQuery(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id", "name"}, rows: [][]any{{int64(3), "Zoe"}}}
	store := storeWithFake(t, fake)

	token, err := querybridge.Cursor{Keys: []querybridge.CursorKey{{Field: "name", Value: "John"}}}.Encode()
	require.NoError(t, err)

	b := querybridge.New("users").OrderBy("name", querybridge.Ascending)

	page, err := store.CursorPaginate(context.Background(), b, token, 2)
	require.NoError(t, err)

	assert.False(t, page.HasMore)
	assert.Len(t, page.Records, 1)

	require.Len(t, fake.executed, 1)
	assert.Contains(t, fake.executed[0].sql, `"name" >`)
	assert.Contains(t, fake.executed[0].args, "John")
}

func Test_Store_CursorPaginate_RejectsMismatchedToken(t *testing.T) {
	store := storeWithFake(t, &fakeAdapter{})

	token, err := querybridge.Cursor{Keys: []querybridge.CursorKey{{Field: "age", Value: 30}}}.Encode()
	require.NoError(t, err)

	b := querybridge.New("users").OrderBy("name", querybridge.Ascending)

	_, pageErr := store.CursorPaginate(context.Background(), b, token, 2)

	assert.ErrorIs(t, pageErr, querybridge.ErrInvalidCursor)
}

func Test_Store_WithinTransaction_CommitsAndRoutesQueries(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}
	store := storeWithFake(t, fake)

	err := store.WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, queryErr := store.Query(ctx, querybridge.New("users"))
		return queryErr
	})
	require.NoError(t, err)

	require.Equal(t, 1, fake.txBegun)
	require.NotNil(t, fake.lastTx)
	assert.Equal(t, 1, fake.lastTx.queries)
	assert.True(t, fake.lastTx.committed)
	assert.False(t, fake.lastTx.rolledBack)
}

func Test_Store_WithinTransaction_RollsBackOnCallbackError(t *testing.T) {
	fake := &fakeAdapter{}
	store := storeWithFake(t, fake)
	callbackErr := errors.New("domain failure")

	err := store.WithinTransaction(context.Background(), func(context.Context) error {
		return callbackErr
	})

	assert.ErrorIs(t, err, callbackErr)
	require.NotNil(t, fake.lastTx)
	assert.True(t, fake.lastTx.rolledBack)
	assert.False(t, fake.lastTx.committed)
}

func Test_Store_WithinTransaction_NestedCallJoinsOpenTransaction(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}}
	store := storeWithFake(t, fake)

	err := store.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return store.WithinTransaction(ctx, func(context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.txBegun)
}

func Test_QueryAs_DefaultHydratorDecodesStructs(t *testing.T) {
	fake := &fakeAdapter{
		columns: []string{"name", "age"},
		rows:    [][]any{{"John", int64(30)}},
	}
	store := storeWithFake(t, fake)

	type user struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	users, err := QueryAs[user](context.Background(), store, querybridge.New("users"), nil)
	require.NoError(t, err)

	require.Len(t, users, 1)
	assert.Equal(t, "John", users[0].Name)
	assert.Equal(t, 30, users[0].Age)
}

func Test_QueryAs_FiresHydrateHooks(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}

	var hydrateCalls []string
	store := storeWithFake(t, fake, WithHooks(querybridge.Hooks{
		BeforeHydrate: func(_ context.Context, _ querybridge.FetchInfo) {
			hydrateCalls = append(hydrateCalls, "before")
		},
		AfterHydrate: func(_ context.Context, _ querybridge.FetchInfo, _ error) {
			hydrateCalls = append(hydrateCalls, "after")
		},
	}))

	_, err := QueryAs[map[string]any](context.Background(), store, querybridge.New("users"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "after"}, hydrateCalls)
}

func Test_Store_Constructors_RejectNilConnections(t *testing.T) {
	_, pgxErr := NewStoreFromPGXPool(nil)
	_, sqlErr := NewStoreFromSQLDB(nil)
	_, sqlxErr := NewStoreFromSQLX(nil)

	assert.ErrorIs(t, pgxErr, querybridge.ErrNilDatabaseConnection)
	assert.ErrorIs(t, sqlErr, querybridge.ErrNilDatabaseConnection)
	assert.ErrorIs(t, sqlxErr, querybridge.ErrNilDatabaseConnection)
}

func Test_Store_Query_LogsThroughConfiguredLogger(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}
	logger := &recordingLogger{}
	store := storeWithFake(t, fake, WithLogger(logger))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	assert.NotEmpty(t, logger.debugMessages)
	assert.NotEmpty(t, logger.infoMessages)

	joined := strings.Join(logger.infoMessages, " ")
	assert.Contains(t, joined, logMsgQueryCompleted)
}

type recordingLogger struct {
	debugMessages []string
	infoMessages  []string
	errorMessages []string
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.debugMessages = append(l.debugMessages, msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.infoMessages = append(l.infoMessages, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  {}
func (l *recordingLogger) Error(msg string, _ ...any) { l.errorMessages = append(l.errorMessages, msg) }
