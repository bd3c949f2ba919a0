package testdoubles

import (
	"context"
	"sync"

	"github.com/querybridge/querybridge-go/querybridge"
)

// TracingCollectorSpy is a TracingCollector implementation that captures
// span lifecycle calls for testing store instrumentation.
type TracingCollectorSpy struct {
	startedSpans  []SpySpanStart
	finishedSpans []SpySpanFinish
	mu            sync.Mutex
}

// SpySpanStart represents a recorded StartSpan call.
type SpySpanStart struct {
	Name  string
	Attrs map[string]string
}

// SpySpanFinish represents a recorded FinishSpan call.
type SpySpanFinish struct {
	Name   string
	Status string
	Attrs  map[string]string
}

// NewTracingCollectorSpy creates a new TracingCollectorSpy.
func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

// StartSpan implements the TracingCollector interface.
func (s *TracingCollectorSpy) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, querybridge.SpanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startedSpans = append(s.startedSpans, SpySpanStart{Name: name, Attrs: copyLabels(attrs)})

	return ctx, &spySpanContext{name: name, attrs: map[string]string{}}
}

// FinishSpan implements the TracingCollector interface.
func (s *TracingCollectorSpy) FinishSpan(spanCtx querybridge.SpanContext, status string, attrs map[string]string) {
	span, ok := spanCtx.(*spySpanContext)
	if !ok {
		return
	}

	merged := copyLabels(span.attrs)
	for k, v := range attrs {
		merged[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishedSpans = append(s.finishedSpans, SpySpanFinish{
		Name:   span.name,
		Status: status,
		Attrs:  merged,
	})
}

// GetStartedSpans returns a copy of all recorded StartSpan calls.
func (s *TracingCollectorSpy) GetStartedSpans() []SpySpanStart {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpySpanStart(nil), s.startedSpans...)
}

// GetFinishedSpans returns a copy of all recorded FinishSpan calls.
func (s *TracingCollectorSpy) GetFinishedSpans() []SpySpanFinish {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpySpanFinish(nil), s.finishedSpans...)
}

// Reset clears all recorded span calls.
func (s *TracingCollectorSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startedSpans = s.startedSpans[:0]
	s.finishedSpans = s.finishedSpans[:0]
}

type spySpanContext struct {
	name   string
	attrs  map[string]string
	status string
}

func (c *spySpanContext) SetStatus(status string) {
	c.status = status
}

func (c *spySpanContext) AddAttribute(key, value string) {
	c.attrs[key] = value
}
