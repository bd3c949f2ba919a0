package postgresengine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge-go/querybridge"
	"github.com/querybridge/querybridge-go/testutil/observability/testdoubles"
)

func Test_Store_Query_RecordsSuccessMetrics(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}, {int64(2)}}}
	metrics := testdoubles.NewMetricsCollectorSpy()
	store := storeWithFake(t, fake, WithMetrics(metrics))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	durations := metrics.GetDurationRecords()
	require.Len(t, durations, 1)
	assert.Equal(t, metricQueryDuration, durations[0].Metric)
	assert.Equal(t, logActionQuery, durations[0].Labels[spanAttrOperation])
	assert.Equal(t, statusSuccess, durations[0].Labels["status"])

	values := metrics.GetValueRecords()
	require.Len(t, values, 1)
	assert.Equal(t, metricRecordsFetched, values[0].Metric)
	assert.InDelta(t, 2.0, values[0].Value, 0.001)

	assert.Empty(t, metrics.GetCounterRecords())
}

func Test_Store_Query_RecordsErrorMetrics(t *testing.T) {
	fake := &fakeAdapter{queryErr: errors.New("connection refused")}
	metrics := testdoubles.NewMetricsCollectorSpy()
	store := storeWithFake(t, fake, WithMetrics(metrics))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.Error(t, err)

	counters := metrics.GetCounterRecords()
	require.Len(t, counters, 1)
	assert.Equal(t, metricDatabaseErrors, counters[0].Metric)
	assert.Equal(t, errorTypeQuery, counters[0].Labels[spanAttrErrorType])

	assert.Empty(t, metrics.GetDurationRecords())
}

func Test_Store_Query_EmitsTraceSpan(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}
	tracing := testdoubles.NewTracingCollectorSpy()
	store := storeWithFake(t, fake, WithTracing(tracing))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	started := tracing.GetStartedSpans()
	require.Len(t, started, 1)
	assert.Equal(t, spanNameQuery, started[0].Name)
	assert.Equal(t, "users", started[0].Attrs[spanAttrSource])

	finished := tracing.GetFinishedSpans()
	require.Len(t, finished, 1)
	assert.Equal(t, statusSuccess, finished[0].Status)
	assert.Equal(t, "1", finished[0].Attrs[spanAttrRecordCount])
}

func Test_Store_Query_FailedSpanCarriesErrorType(t *testing.T) {
	fake := &fakeAdapter{queryErr: errors.New("connection refused")}
	tracing := testdoubles.NewTracingCollectorSpy()
	store := storeWithFake(t, fake, WithTracing(tracing))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.Error(t, err)

	finished := tracing.GetFinishedSpans()
	require.Len(t, finished, 1)
	assert.Equal(t, statusError, finished[0].Status)
	assert.Equal(t, errorTypeQuery, finished[0].Attrs[spanAttrErrorType])
}

func Test_Store_Query_PrefersContextualLogger(t *testing.T) {
	fake := &fakeAdapter{columns: []string{"id"}, rows: [][]any{{int64(1)}}}
	basic := &recordingLogger{}
	contextual := testdoubles.NewContextualLoggerSpy()
	store := storeWithFake(t, fake, WithLogger(basic), WithContextualLogger(contextual))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.NoError(t, err)

	assert.NotEmpty(t, contextual.GetRecordsForLevel("debug"))
	assert.NotEmpty(t, contextual.GetRecordsForLevel("info"))
	assert.Empty(t, basic.debugMessages)
	assert.Empty(t, basic.infoMessages)
}

func Test_Store_Query_LogsErrorsThroughContextualLogger(t *testing.T) {
	fake := &fakeAdapter{queryErr: errors.New("connection refused")}
	contextual := testdoubles.NewContextualLoggerSpy()
	store := storeWithFake(t, fake, WithContextualLogger(contextual))

	_, err := store.Query(context.Background(), querybridge.New("users"))
	require.Error(t, err)

	errorRecords := contextual.GetRecordsForLevel("error")
	require.NotEmpty(t, errorRecords)
	assert.Equal(t, logMsgDBQueryFailed, errorRecords[0].Message)
}
