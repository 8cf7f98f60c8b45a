/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import "strings"

// MaxTokensField names the request parameter that carries the output limit.
type MaxTokensField string

const (
	MaxTokens           MaxTokensField = "max_tokens"
	MaxCompletionTokens MaxTokensField = "max_completion_tokens"
	MaxOutputTokens     MaxTokensField = "max_output_tokens"
)

// Quirks describes how a request must be shaped for a given model.
type Quirks struct {
	DropTemperature bool
	DropTopP        bool
	// ExclusiveSampling models reject temperature and top_p together; top_p
	// is dropped when both are set.
	ExclusiveSampling bool
	// JSONMode is set when the model accepts a JSON-object response format.
	JSONMode         bool
	MaxTokensField   MaxTokensField
	DefaultMaxTokens int64
}

type quirkRule struct {
	provider string
	prefix   string
	apply    func(*Quirks)
}

var baseQuirks = map[string]Quirks{
	OpenAI:     {JSONMode: true, MaxTokensField: MaxCompletionTokens},
	Anthropic:  {MaxTokensField: MaxTokens, DefaultMaxTokens: 2048},
	Google:     {JSONMode: true, MaxTokensField: MaxOutputTokens},
	OpenRouter: {MaxTokensField: MaxTokens},
}

// Rules are matched by model prefix; later rules win.
var quirkRules = []quirkRule{
	{OpenAI, "o1", reasoning},
	{OpenAI, "o3", reasoning},
	{OpenAI, "o4-mini", reasoning},
	{OpenAI, "gpt-5", reasoning},
	{Anthropic, "claude-opus-4-1", exclusive},
	{Anthropic, "claude-opus-4-5", exclusive},
	{Anthropic, "claude-sonnet-4-5", exclusive},
	{Anthropic, "claude-haiku-4-5", exclusive},
}

func reasoning(q *Quirks) {
	q.DropTemperature = true
	q.DropTopP = true
	q.JSONMode = false
	q.MaxTokensField = MaxCompletionTokens
}

func exclusive(q *Quirks) {
	q.ExclusiveSampling = true
}

// QuirksFor returns the request shaping rules for model on provider name.
func QuirksFor(name, model string) Quirks {
	q := baseQuirks[name]
	for _, r := range quirkRules {
		if r.provider == name && strings.HasPrefix(model, r.prefix) {
			r.apply(&q)
		}
	}
	return q
}

// Normalize drops the sampling parameters the model rejects and fills in the
// default output limit.
func (q Quirks) Normalize(s Sampling) Sampling {
	if q.DropTemperature {
		s.Temperature = nil
	}
	if q.DropTopP {
		s.TopP = nil
	}
	if q.ExclusiveSampling && s.Temperature != nil && s.TopP != nil {
		s.TopP = nil
	}
	if s.MaxTokens == nil && q.DefaultMaxTokens > 0 {
		s.MaxTokens = Int64(q.DefaultMaxTokens)
	}
	return s
}
