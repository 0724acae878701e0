package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "autoreply"

// Metrics holds all pipeline metric instruments.
type Metrics struct {
	Triggers         metric.Int64Counter
	Outcomes         metric.Int64Counter
	ToolCalls        metric.Int64Counter
	ModelTurns       metric.Int64Counter
	ModelTokens      metric.Int64Counter
	PipelineDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Triggers, err = meter.Int64Counter("autoreply.triggers",
		metric.WithDescription("Number of triggers received"))
	if err != nil {
		return nil, err
	}

	m.Outcomes, err = meter.Int64Counter("autoreply.outcomes",
		metric.WithDescription("Number of triggers finished, by outcome"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("autoreply.toolcalls",
		metric.WithDescription("Number of tool calls executed"))
	if err != nil {
		return nil, err
	}

	m.ModelTurns, err = meter.Int64Counter("autoreply.model.turns",
		metric.WithDescription("Number of chat-completion turns"))
	if err != nil {
		return nil, err
	}

	m.ModelTokens, err = meter.Int64Counter("autoreply.model.tokens",
		metric.WithDescription("Tokens consumed by chat-completion turns"))
	if err != nil {
		return nil, err
	}

	m.PipelineDuration, err = meter.Float64Histogram("autoreply.pipeline.duration_seconds",
		metric.WithDescription("Trigger processing duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordOutcome counts a finished trigger and its duration.
func (m *Metrics) RecordOutcome(ctx context.Context, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.Outcomes.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordModelTurn counts one chat-completion turn and its token usage.
func (m *Metrics) RecordModelTurn(ctx context.Context, model string, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.ModelTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
	m.ModelTokens.Add(ctx, int64(tokensIn), metric.WithAttributes(
		attribute.String("model", model), attribute.String("direction", "in")))
	m.ModelTokens.Add(ctx, int64(tokensOut), metric.WithAttributes(
		attribute.String("model", model), attribute.String("direction", "out")))
}
