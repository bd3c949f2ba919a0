package postgresengine

import (
	"github.com/querybridge/querybridge-go/querybridge"
)

// Option defines a functional option for configuring a Store.
type Option func(*Store) error

// WithLogger sets the logger for the Store.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: Record counts and durations (production-safe)
// Warn level: Non-critical issues like cleanup failures
// Error level: Critical failures that cause operation failures.
func WithLogger(logger querybridge.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the Store.
// The contextual logger receives log messages with context information
// including automatic trace/span correlation when tracing is enabled.
func WithContextualLogger(logger querybridge.ContextualLogger) Option {
	return func(s *Store) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store.
// The collector will receive query durations, fetched record counts and
// database error counters.
func WithMetrics(collector querybridge.MetricsCollector) Option {
	return func(s *Store) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Store.
// The collector will receive span creation for query and count operations,
// context propagation, and error tracking.
func WithTracing(collector querybridge.TracingCollector) Option {
	return func(s *Store) error {
		s.tracingCollector = collector
		return nil
	}
}

// WithHooks sets the lifecycle hooks fired around fetch and hydration.
func WithHooks(hooks querybridge.Hooks) Option {
	return func(s *Store) error {
		s.hooks = hooks
		return nil
	}
}

// WithScopes sets the scope registry consulted by NewQuery builders and by
// scope resolution at compile time.
func WithScopes(registry *querybridge.ScopeRegistry) Option {
	return func(s *Store) error {
		s.scopes = registry
		return nil
	}
}
