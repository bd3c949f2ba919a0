package querybridge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger interface for compiled-query logging, operational metrics, warnings,
// and error reporting.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ContextualLogger interface for context-aware logging with automatic trace
// correlation. This interface follows the same dependency-free pattern as
// MetricsCollector and TracingCollector, allowing users to integrate with any
// logging backend that supports context-based correlation.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// MetricsCollector interface for collecting store performance and
// operational metrics.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector extends MetricsCollector with context-aware
// methods for better tracing integration. This interface is optional - stores
// use the context-aware methods when available, falling back to the base
// MetricsCollector interface.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// SpanContext represents an active tracing span that can be finished and
// updated with attributes.
type SpanContext interface {
	SetStatus(status string)
	AddAttribute(key, value string)
}

// TracingCollector interface for collecting distributed tracing information
// from store operations. Dependency-free so users can integrate with any
// tracing backend by implementing it.
type TracingCollector interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext)
	FinishSpan(spanCtx SpanContext, status string, attrs map[string]string)
}

// FetchInfo describes one execution of a compiled query, passed to lifecycle
// hooks. Query holds the compiled SQL text or a pipeline summary.
type FetchInfo struct {
	QueryID     uuid.UUID
	Source      string
	Query       string
	RecordCount int
	Duration    time.Duration
}

// Hooks are optional lifecycle callbacks fired around fetch and around
// hydration. Nil members are skipped.
type Hooks struct {
	BeforeFetch   func(ctx context.Context, info FetchInfo)
	AfterFetch    func(ctx context.Context, info FetchInfo, err error)
	BeforeHydrate func(ctx context.Context, info FetchInfo)
	AfterHydrate  func(ctx context.Context, info FetchInfo, err error)
}

// FireBeforeFetch invokes the BeforeFetch hook if set.
func (h Hooks) FireBeforeFetch(ctx context.Context, info FetchInfo) {
	if h.BeforeFetch != nil {
		h.BeforeFetch(ctx, info)
	}
}

// FireAfterFetch invokes the AfterFetch hook if set.
func (h Hooks) FireAfterFetch(ctx context.Context, info FetchInfo, err error) {
	if h.AfterFetch != nil {
		h.AfterFetch(ctx, info, err)
	}
}

// FireBeforeHydrate invokes the BeforeHydrate hook if set.
func (h Hooks) FireBeforeHydrate(ctx context.Context, info FetchInfo) {
	if h.BeforeHydrate != nil {
		h.BeforeHydrate(ctx, info)
	}
}

// FireAfterHydrate invokes the AfterHydrate hook if set.
func (h Hooks) FireAfterHydrate(ctx context.Context, info FetchInfo, err error) {
	if h.AfterHydrate != nil {
		h.AfterHydrate(ctx, info, err)
	}
}
