/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// AttributeEnricher adds contextual attributes to a base set.
type AttributeEnricher func(ctx context.Context, baseAttrs []attribute.KeyValue) []attribute.KeyValue

type jobKey struct{}

type jobLabels struct {
	provider string
	metric   string
}

// WithJob returns a context whose recordings are labelled with the job's
// provider and metric.
func WithJob(ctx context.Context, provider, metric string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobLabels{provider: provider, metric: metric})
}

// JobAttributes appends the labels stored by WithJob, if any.
func JobAttributes(ctx context.Context, baseAttrs []attribute.KeyValue) []attribute.KeyValue {
	labels, ok := ctx.Value(jobKey{}).(jobLabels)
	if !ok {
		return baseAttrs
	}
	return append(baseAttrs,
		attribute.String("provider", labels.provider),
		attribute.String("metric", labels.metric),
	)
}
