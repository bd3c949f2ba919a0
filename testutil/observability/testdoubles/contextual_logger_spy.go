package testdoubles

import (
	"context"
	"sync"
)

// ContextualLoggerSpy is a ContextualLogger implementation that captures
// contextual logging calls for testing store instrumentation.
type ContextualLoggerSpy struct {
	records []SpyContextualLogRecord
	mu      sync.Mutex
}

// SpyContextualLogRecord represents a recorded contextual log call.
type SpyContextualLogRecord struct {
	Level   string
	Message string
	Args    []any
}

// NewContextualLoggerSpy creates a new ContextualLoggerSpy.
func NewContextualLoggerSpy() *ContextualLoggerSpy {
	return &ContextualLoggerSpy{}
}

// DebugContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) DebugContext(_ context.Context, msg string, args ...any) {
	s.record("debug", msg, args)
}

// InfoContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) InfoContext(_ context.Context, msg string, args ...any) {
	s.record("info", msg, args)
}

// WarnContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) WarnContext(_ context.Context, msg string, args ...any) {
	s.record("warn", msg, args)
}

// ErrorContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) ErrorContext(_ context.Context, msg string, args ...any) {
	s.record("error", msg, args)
}

// GetRecords returns a copy of all recorded log calls in call order.
func (s *ContextualLoggerSpy) GetRecords() []SpyContextualLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyContextualLogRecord(nil), s.records...)
}

// GetRecordsForLevel returns a copy of the recorded log calls for one level.
func (s *ContextualLoggerSpy) GetRecordsForLevel(level string) []SpyContextualLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []SpyContextualLogRecord
	for _, record := range s.records {
		if record.Level == level {
			matched = append(matched, record)
		}
	}

	return matched
}

// Reset clears all recorded log calls.
func (s *ContextualLoggerSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = s.records[:0]
}

func (s *ContextualLoggerSpy) record(level, msg string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, SpyContextualLogRecord{Level: level, Message: msg, Args: args})
}
