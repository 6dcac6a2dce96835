package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the core's operational counters. All methods tolerate a
// nil receiver so callers never guard.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter

	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter
	turnErrors   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	modelDuration metric.Float64Histogram
	modelTokens   metric.Int64Counter
	modelErrors   metric.Int64Counter

	retrievalDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestDuration, err = meter.Float64Histogram(
		"cirkelline_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	if m.requestsTotal, err = meter.Int64Counter(
		"cirkelline_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	if m.requestErrors, err = meter.Int64Counter(
		"cirkelline_http_request_errors_total",
		metric.WithDescription("Total HTTP responses with status 500 or above"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request errors counter: %w", err)
	}
	if m.turnDuration, err = meter.Float64Histogram(
		"cirkelline_turn_duration_seconds",
		metric.WithDescription("Conversational turn duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}
	if m.turnsTotal, err = meter.Int64Counter(
		"cirkelline_turns_total",
		metric.WithDescription("Total conversational turns"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}
	if m.turnErrors, err = meter.Int64Counter(
		"cirkelline_turn_errors_total",
		metric.WithDescription("Total failed turns"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"cirkelline_tool_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"cirkelline_tool_calls_total",
		metric.WithDescription("Total tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"cirkelline_tool_errors_total",
		metric.WithDescription("Total failed tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.modelDuration, err = meter.Float64Histogram(
		"cirkelline_model_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model duration histogram: %w", err)
	}
	if m.modelTokens, err = meter.Int64Counter(
		"cirkelline_model_tokens_total",
		metric.WithDescription("Total tokens exchanged with model backends"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model tokens counter: %w", err)
	}
	if m.modelErrors, err = meter.Int64Counter(
		"cirkelline_model_errors_total",
		metric.WithDescription("Total model backend errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}
	if m.retrievalDuration, err = meter.Float64Histogram(
		"cirkelline_retrieval_duration_seconds",
		metric.WithDescription("Hybrid retrieval duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)
	if status >= 500 {
		m.requestErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordTurn(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.turnDuration == nil {
		return
	}
	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnsTotal.Add(ctx, 1)
	if err != nil {
		m.turnErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.modelTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.modelErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordRetrieval(ctx context.Context, duration time.Duration) {
	if m == nil || m.retrievalDuration == nil {
		return
	}
	m.retrievalDuration.Record(ctx, duration.Seconds())
}
