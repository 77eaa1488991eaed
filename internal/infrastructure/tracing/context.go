package tracing

import "context"

type ctxKey int

const (
	traceKey ctxKey = iota
	spanKey
)

// WithTraceID seeds ctx with an externally supplied trace id. An empty id
// leaves ctx unchanged.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, TraceID(traceID))
}

func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceKey).(TraceID)
	return traceID
}

func GetSpanID(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanKey).(SpanID)
	return spanID
}

func withSpan(ctx context.Context, span *Span) context.Context {
	ctx = context.WithValue(ctx, traceKey, span.TraceID)
	return context.WithValue(ctx, spanKey, span.SpanID)
}
