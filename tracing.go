package esi

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startSpan starts a span named name on tracer, or returns ctx unchanged
// with a no-op span if tracer is nil (Config.Tracer is optional; NewClient
// defaults it to otel's global tracer, so nil only happens when a Client is
// built by hand for tests).
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name)
}

// recordSpanError marks span as failed and attaches err, following the
// otel convention of recording the error event before setting the status.
func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
