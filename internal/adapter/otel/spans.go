package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "autoreply"

// StartTriggerSpan starts a span for one trigger passing through the pipeline.
func StartTriggerSpan(ctx context.Context, kind, locationID, contactID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "trigger",
		trace.WithAttributes(
			attribute.String("conversation.kind", kind),
			attribute.String("location.id", locationID),
			attribute.String("contact.id", contactID),
		),
	)
}

// StartModelTurnSpan starts a span for one chat-completion turn.
func StartModelTurnSpan(ctx context.Context, agentID, model string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "model_turn",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("model", model),
			attribute.Int("iteration", iteration),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within a model turn.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
