/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package provider defines the uniform completion interface that every LLM
// backend is adapted to, along with the error taxonomy, the known-model
// catalog and the per-model request quirks the adapters apply.
package provider

import (
	"context"
)

// Interface is implemented by each LLM backend.
type Interface interface {
	// Complete sends one prompt and returns the raw completion. Errors are
	// classified as *Error.
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// Sampling holds optional generation overrides. Nil means provider default.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Sampling     Sampling
}

// Completion is the normalised provider response.
type Completion struct {
	Text  string
	Model string
	// StructuredJSON is set when the provider was asked for a JSON object
	// response, so Text should already be a bare object.
	StructuredJSON bool
	InputTokens    int64
	OutputTokens   int64
}

// Func adapts a function to Interface.
type Func func(ctx context.Context, req *Request) (*Completion, error)

// Complete implements Interface.
func (f Func) Complete(ctx context.Context, req *Request) (*Completion, error) {
	return f(ctx, req)
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
