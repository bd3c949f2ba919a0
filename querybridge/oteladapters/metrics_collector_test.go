package oteladapters_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/querybridge/querybridge-go/querybridge/oteladapters"
)

func newTestMetrics() (*sdkmetric.ManualReader, *oteladapters.MetricsCollector) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return reader, oteladapters.NewMetricsCollector(provider.Meter("test"))
}

func Test_MetricsCollector_RecordDuration(t *testing.T) {
	reader, collector := newTestMetrics()

	labels := map[string]string{
		"operation": "query",
		"status":    "success",
	}

	collector.RecordDuration("querybridge_query_duration", 150*time.Millisecond, labels)

	var resourceMetrics metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &resourceMetrics)
	require.NoError(t, err, "Failed to collect metrics")

	histogram := findHistogramMetric(t, resourceMetrics, "querybridge_query_duration")
	require.Len(t, histogram.DataPoints, 1, "Expected exactly one data point")

	dataPoint := histogram.DataPoints[0]
	assert.Equal(t, uint64(1), dataPoint.Count, "Histogram count should be 1")
	assert.InDelta(t, 0.15, dataPoint.Sum, 0.001, "Histogram sum should be 0.15 seconds")
	assertDataPointHasAttribute(t, dataPoint.Attributes, "operation", "query")
	assertDataPointHasAttribute(t, dataPoint.Attributes, "status", "success")
}

func Test_MetricsCollector_IncrementCounter(t *testing.T) {
	reader, collector := newTestMetrics()

	labels := map[string]string{"operation": "count", "error_type": "query_failed"}

	collector.IncrementCounter("querybridge_database_errors", labels)
	collector.IncrementCounter("querybridge_database_errors", labels)

	var resourceMetrics metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &resourceMetrics)
	require.NoError(t, err, "Failed to collect metrics")

	counter := findCounterMetric(t, resourceMetrics, "querybridge_database_errors")
	require.Len(t, counter.DataPoints, 1, "Expected exactly one data point")

	assert.Equal(t, int64(2), counter.DataPoints[0].Value, "Counter should have been incremented twice")
}

func Test_MetricsCollector_RecordValue(t *testing.T) {
	reader, collector := newTestMetrics()

	collector.RecordValue("querybridge_records_fetched", 42, map[string]string{"operation": "query"})

	var resourceMetrics metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &resourceMetrics)
	require.NoError(t, err, "Failed to collect metrics")

	gauge := findGaugeMetric(t, resourceMetrics, "querybridge_records_fetched")
	require.Len(t, gauge.DataPoints, 1, "Expected exactly one data point")

	assert.InDelta(t, 42.0, gauge.DataPoints[0].Value, 0.001, "Gauge should carry the recorded value")
}

func Test_MetricsCollector_ContextVariantsRecord(t *testing.T) {
	reader, collector := newTestMetrics()
	ctx := context.Background()

	collector.RecordDurationContext(ctx, "querybridge_query_duration", 10*time.Millisecond, nil)
	collector.IncrementCounterContext(ctx, "querybridge_database_errors", nil)
	collector.RecordValueContext(ctx, "querybridge_records_fetched", 1, nil)

	var resourceMetrics metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &resourceMetrics)
	require.NoError(t, err, "Failed to collect metrics")

	findHistogramMetric(t, resourceMetrics, "querybridge_query_duration")
	findCounterMetric(t, resourceMetrics, "querybridge_database_errors")
	findGaugeMetric(t, resourceMetrics, "querybridge_records_fetched")
}

func Test_MetricsCollector_ReusesInstrumentsPerName(t *testing.T) {
	reader, collector := newTestMetrics()

	collector.RecordDuration("querybridge_query_duration", time.Millisecond, nil)
	collector.RecordDuration("querybridge_query_duration", time.Millisecond, nil)

	var resourceMetrics metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &resourceMetrics)
	require.NoError(t, err, "Failed to collect metrics")

	histogram := findHistogramMetric(t, resourceMetrics, "querybridge_query_duration")
	require.Len(t, histogram.DataPoints, 1, "Both recordings should land on one instrument")
	assert.Equal(t, uint64(2), histogram.DataPoints[0].Count, "Histogram count should be 2")
}

func findHistogramMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Histogram[float64] {
	t.Helper()

	for _, scopeMetrics := range rm.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				histogram, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok, "Metric %q should be a float64 histogram", name)
				return histogram
			}
		}
	}

	t.Fatalf("Histogram metric %q not found", name)
	return metricdata.Histogram[float64]{}
}

func findCounterMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()

	for _, scopeMetrics := range rm.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "Metric %q should be an int64 sum", name)
				return sum
			}
		}
	}

	t.Fatalf("Counter metric %q not found", name)
	return metricdata.Sum[int64]{}
}

func findGaugeMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Gauge[float64] {
	t.Helper()

	for _, scopeMetrics := range rm.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				gauge, ok := m.Data.(metricdata.Gauge[float64])
				require.True(t, ok, "Metric %q should be a float64 gauge", name)
				return gauge
			}
		}
	}

	t.Fatalf("Gauge metric %q not found", name)
	return metricdata.Gauge[float64]{}
}

func assertDataPointHasAttribute(t *testing.T, set attribute.Set, key, value string) {
	t.Helper()

	got, ok := set.Value(attribute.Key(key))
	require.True(t, ok, "Data point is missing attribute %q", key)
	assert.Equal(t, value, got.AsString(), "Attribute %q should have expected value", key)
}
