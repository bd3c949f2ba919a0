package postgresengine

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/querybridge/querybridge-go/querybridge"
)

// logQueryWithDuration logs SQL queries with execution time at debug level if a logger is configured.
func (s Store) logQueryWithDuration(ctx context.Context, sqlQuery, action string, duration time.Duration) {
	if s.contextualLogger != nil {
		s.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action,
			logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery)
		return
	}

	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action,
			logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if a logger is configured.
func (s Store) logOperation(ctx context.Context, action string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
		return
	}

	if s.logger != nil {
		s.logger.Info(logMsgOperation+action, args...)
	}
}

// logError logs error information at error level if a logger is configured.
func (s Store) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, message, allArgs...)
		return
	}

	if s.logger != nil {
		s.logger.Error(message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// recordDurationMetrics records query duration if a metrics collector is
// configured, preferring the context-aware method when the collector
// supports it.
func (s Store) recordDurationMetrics(ctx context.Context, action, status string, duration time.Duration) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		spanAttrOperation: action,
		"status":          status,
	}

	if contextual, ok := s.metricsCollector.(querybridge.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metricQueryDuration, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(metricQueryDuration, duration, labels)
}

// recordRecordCountMetrics records the fetched record count if a metrics collector is configured.
func (s Store) recordRecordCountMetrics(ctx context.Context, action string, count int) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		spanAttrOperation: action,
		"status":          statusSuccess,
	}

	if contextual, ok := s.metricsCollector.(querybridge.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metricRecordsFetched, float64(count), labels)
		return
	}

	s.metricsCollector.RecordValue(metricRecordsFetched, float64(count), labels)
}

// recordErrorMetrics records database error counters if a metrics collector is configured.
func (s Store) recordErrorMetrics(ctx context.Context, action, errorType string) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		spanAttrOperation: action,
		"status":          statusError,
		spanAttrErrorType: errorType,
	}

	if contextual, ok := s.metricsCollector.(querybridge.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metricDatabaseErrors, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metricDatabaseErrors, labels)
}

// startTraceSpan starts a tracing span if the tracing collector is configured.
func (s Store) startTraceSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, querybridge.SpanContext) {
	if s.tracingCollector != nil {
		return s.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

// finishTraceSpan finishes a tracing span if the tracing collector is configured.
func (s Store) finishTraceSpan(span querybridge.SpanContext, status string, attrs map[string]string) {
	if s.tracingCollector == nil || span == nil {
		return
	}

	span.SetStatus(status)
	for key, value := range attrs {
		span.AddAttribute(key, value)
	}

	s.tracingCollector.FinishSpan(span, status, attrs)
}

// formatCount renders a record count for span attributes.
func formatCount(count int) string {
	return strconv.Itoa(count)
}
