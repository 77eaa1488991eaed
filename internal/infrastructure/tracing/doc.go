/*
Package tracing provides lightweight request tracing for the extension host.

Each IPC request the host processes, and each admin HTTP request, runs under
a span. Spans are buffered and written to the structured log when they
finish: at debug level normally, at warn level when they carry an error.

An IPC request's trace id is its requestId, so the privileged peer can grep
the host log for a request it sent. HTTP callers may pass X-Trace-ID and
X-Span-ID; the middleware echoes the ids it used in the response.

# Usage

	tracer := tracing.New("exthost", logger.Logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	ctx = tracing.WithTraceID(ctx, msg.RequestID)
	span, ctx := tracer.StartSpan(ctx, "extension:activate")
	defer tracer.Submit(span)
*/
package tracing
