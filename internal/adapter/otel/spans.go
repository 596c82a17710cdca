package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentbridge"

// StartRunSpan starts a span for one agent run.
func StartRunSpan(ctx context.Context, runID, threadID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("thread.id", threadID),
		),
	)
}

// StartSuspensionSpan starts a span covering the wait for human input.
func StartSuspensionSpan(ctx context.Context, runID, suspensionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "suspension",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("suspension.id", suspensionID),
		),
	)
}
