/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics holds the OpenTelemetry and Prometheus instruments
// recorded while grading.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope shared by every grading component.
const MeterName = "chainguard.dev/rolloutgrader"

// GenAI records token usage and call outcomes for provider completions.
// Instruments that fail to initialize degrade to no-ops.
type GenAI struct {
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	calls            metric.Int64Counter
	attrEnricher     AttributeEnricher
}

// NewGenAI creates the instruments on the named meter.
func NewGenAI(meterName string) *GenAI {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	promptTokens, err := meter.Int64Counter("genai.token.prompt",
		metric.WithDescription("The number of prompt tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create prompt tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		promptTokens = noop.Int64Counter{}
	}

	completionTokens, err := meter.Int64Counter("genai.token.completion",
		metric.WithDescription("The number of completion tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create completion tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		completionTokens = noop.Int64Counter{}
	}

	calls, err := meter.Int64Counter("genai.calls",
		metric.WithDescription("The number of provider completion calls"),
		metric.WithUnit("{calls}"))
	if err != nil {
		slog.Warn("Failed to create call counter, metrics will be disabled", "error", err, "meter", meterName)
		calls = noop.Int64Counter{}
	}

	return &GenAI{
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
		calls:            calls,
		attrEnricher:     JobAttributes,
	}
}

// SetAttributeEnricher replaces the enricher applied before each recording.
func (m *GenAI) SetAttributeEnricher(enricher AttributeEnricher) {
	m.attrEnricher = enricher
}

func (m *GenAI) attributes(ctx context.Context, base []attribute.KeyValue, attrs []attribute.KeyValue) metric.MeasurementOption {
	if m.attrEnricher != nil {
		base = m.attrEnricher(ctx, base)
	}
	return metric.WithAttributes(append(base, attrs...)...)
}

// RecordTokens records prompt and completion token usage for model.
func (m *GenAI) RecordTokens(ctx context.Context, model string, promptTokens, completionTokens int64, attrs ...attribute.KeyValue) {
	opt := m.attributes(ctx, []attribute.KeyValue{attribute.String("model", model)}, attrs)
	m.promptTokens.Add(ctx, promptTokens, opt)
	m.completionTokens.Add(ctx, completionTokens, opt)
}

// RecordCall records one completion call and its outcome ("ok" or an error kind).
func (m *GenAI) RecordCall(ctx context.Context, model, outcome string, attrs ...attribute.KeyValue) {
	m.calls.Add(ctx, 1, m.attributes(ctx, []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	}, attrs))
}
