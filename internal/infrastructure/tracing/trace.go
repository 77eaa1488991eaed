package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/id"
	"go.uber.org/zap"
)

const spanBuffer = 1024

// Tracer writes finished spans to the log from a single goroutine, so
// span logging never blocks message dispatch
type Tracer struct {
	service string
	logger  *zap.Logger

	queue   chan *Span
	flushed chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New starts a tracer. A nil logger discards spans.
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service: service,
		logger:  logger,
		queue:   make(chan *Span, spanBuffer),
		flushed: make(chan struct{}),
	}
	go t.drain()
	return t
}

// StartSpan opens a span under whatever trace ctx carries, starting a new
// trace if it carries none. A nil tracer still returns a usable span.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	span := &Span{
		TraceID:   GetTraceID(ctx),
		SpanID:    SpanID(id.NewSpanID()),
		ParentID:  GetSpanID(ctx),
		Name:      name,
		StartTime: time.Now(),
		Tags:      map[string]string{},
	}
	if span.TraceID == "" {
		span.TraceID = TraceID(id.NewRequestID())
	}
	if t != nil {
		span.Service = t.service
	}
	return span, withSpan(ctx, span)
}

// Submit finishes span if needed and queues it for logging. Spans are
// dropped once the tracer is closed or while the queue is full.
func (t *Tracer) Submit(span *Span) {
	if t == nil || span == nil {
		return
	}
	if span.Duration == 0 {
		span.Finish()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- span:
	default:
		t.logger.Warn("Span queue full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("operation", span.Name))
	}
}

// Close writes out queued spans and stops the tracer. Safe to call twice.
func (t *Tracer) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.flushed
}

func (t *Tracer) drain() {
	defer close(t.flushed)
	for span := range t.queue {
		if span.Error != nil {
			t.logger.Warn("span completed with error", span.logFields()...)
			continue
		}
		t.logger.Debug("span completed", span.logFields()...)
	}
}
