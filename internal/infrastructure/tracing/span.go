package tracing

import (
	"time"

	"go.uber.org/zap"
)

// TraceID groups the spans of one logical request. For IPC work it is the
// privileged peer's requestId, so host logs line up with the peer's.
type TraceID string

type SpanID string

// Span is one timed operation. It is owned by a single goroutine until it
// is submitted.
type Span struct {
	TraceID   TraceID
	SpanID    SpanID
	ParentID  SpanID
	Name      string
	Service   string
	StartTime time.Time
	Duration  time.Duration
	Tags      map[string]string
	Error     error
}

// Finish fixes the span's duration
func (s *Span) Finish() {
	s.Duration = time.Since(s.StartTime)
}

func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError marks the span failed. A nil err leaves it untouched.
func (s *Span) SetError(err error) {
	if err != nil {
		s.Error = err
	}
}

// logFields renders the span as structured log fields
func (s *Span) logFields() []zap.Field {
	fields := make([]zap.Field, 0, 6+len(s.Tags))
	fields = append(fields,
		zap.String("trace_id", string(s.TraceID)),
		zap.String("span_id", string(s.SpanID)),
		zap.String("operation", s.Name),
		zap.String("service", s.Service),
		zap.Duration("duration", s.Duration),
	)
	if s.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(s.ParentID)))
	}
	for k, v := range s.Tags {
		fields = append(fields, zap.String(k, v))
	}
	if s.Error != nil {
		fields = append(fields, zap.Error(s.Error))
	}
	return fields
}
