/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"fmt"
	"strings"

	"chainguard.dev/rolloutgrader/grading/promptbuilder"
	"chainguard.dev/rolloutgrader/grading/quote"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"github.com/invopop/jsonschema"
)

const systemPrompt = `You are an expert evaluator of AI assistant conversations. ` +
	`You grade each conversation against a single metric and respond ONLY with a JSON object, no other text.`

var userPrompt = promptbuilder.MustNewPrompt(`## Conversation to Evaluate

{{conversation}}
## Conversation Attributes

{{attributes}}
## Grading Metric: {{metric_name}}

{{metric_prompt}}

## Instructions

Evaluate the conversation above according to the grading metric.
{{grade_instruction}}

Your response must be a JSON object conforming to this schema:

{{schema}}

{{quote_instruction}}

Respond ONLY with the JSON object, no other text.`)

const (
	boolInstruction  = `The "grade" field must be a JSON boolean: true or false.`
	intInstruction   = `The "grade" field must be a JSON integer on the scale the metric describes (e.g. 1-5 or 0-10).`
	floatInstruction = `The "grade" field must be a JSON number between 0.0 and 1.0.`
)

const (
	quotesRequired = `## Supporting Quotes (REQUIRED)

You MUST include at least one entry in "quotes". Each quote's "text" must be copied EXACTLY, character for character, from the content of the message numbered "message_index". Do not paraphrase, abbreviate, or fix typos. Keep each quote short: a phrase or a sentence.`

	quotesRequiredRetry = `## Supporting Quotes (REQUIRED)

YOUR PREVIOUS RESPONSE WAS REJECTED BECAUSE IT DID NOT INCLUDE ANY VALID QUOTES.
No quoted text could be found in the conversation. Try again: include at least one entry in "quotes", and copy each quote's "text" EXACTLY, character for character, from the message numbered "message_index". Do not paraphrase, abbreviate, or fix typos.`

	quotesOptional = `## Supporting Quotes (optional)

You may include entries in "quotes" that support your grade. Each quote's "text" must be copied exactly from the message numbered "message_index".`
)

// Response is the JSON object a grader is asked to produce.
type Response struct {
	Grade       any           `json:"grade" jsonschema:"required,description=The grade for this conversation"`
	Explanation string        `json:"explanation" jsonschema:"required,description=A brief justification for the grade"`
	Quotes      []quote.Claim `json:"quotes,omitempty" jsonschema:"description=Exact excerpts from the conversation that support the grade"`
}

// responseSchema describes Response with the grade narrowed to t.
func responseSchema(t rubric.GradeType) *jsonschema.Schema {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		DoNotReference:             true,
	}
	s := r.Reflect(&Response{})
	s.Version = ""
	if grade, ok := s.Properties.Get("grade"); ok {
		switch t {
		case rubric.GradeBool:
			grade.Type = "boolean"
		case rubric.GradeInt:
			grade.Type = "integer"
		case rubric.GradeFloat:
			grade.Type = "number"
		}
	}
	return s
}

// renderConversation lays messages out as numbered blocks so the grader can
// cite them by index.
func renderConversation(t *transcript.Transcript) string {
	var sb strings.Builder
	for i, m := range t.Messages {
		fmt.Fprintf(&sb, "[Message %d] (%s):\n%s\n\n", i, m.Role, m.Content)
	}
	return sb.String()
}

func attributesOf(t *transcript.Transcript) map[string]any {
	a := t.Attributes
	return map[string]any{
		"step":            a.Step,
		"sample_index":    a.SampleIndex,
		"rollout_n":       a.RolloutN,
		"reward":          a.Reward,
		"data_source":     a.DataSource,
		"experiment_name": a.ExperimentName,
	}
}

type promptKind int

const (
	initialPrompt promptKind = iota
	quoteRetryPrompt
)

// buildPrompt is the Building state: it renders the user prompt for one
// transcript. The template and schema are shared; every call binds a fresh copy.
func (e *Engine) buildPrompt(t *transcript.Transcript, kind promptKind) (string, error) {
	p, err := userPrompt.BindText("conversation", renderConversation(t))
	if err != nil {
		return "", err
	}
	if p, err = p.BindYAML("attributes", attributesOf(t)); err != nil {
		return "", err
	}
	if p, err = p.BindText("metric_name", e.rubric.Name); err != nil {
		return "", err
	}
	if p, err = p.BindText("metric_prompt", e.rubric.Prompt); err != nil {
		return "", err
	}
	if p, err = p.BindJSON("schema", e.schema); err != nil {
		return "", err
	}

	switch e.rubric.GradeType {
	case rubric.GradeBool:
		p, err = p.BindStringLiteral("grade_instruction", boolInstruction)
	case rubric.GradeInt:
		p, err = p.BindStringLiteral("grade_instruction", intInstruction)
	default:
		p, err = p.BindStringLiteral("grade_instruction", floatInstruction)
	}
	if err != nil {
		return "", err
	}

	switch {
	case !e.requireQuotes:
		p, err = p.BindStringLiteral("quote_instruction", quotesOptional)
	case kind == quoteRetryPrompt:
		p, err = p.BindStringLiteral("quote_instruction", quotesRequiredRetry)
	default:
		p, err = p.BindStringLiteral("quote_instruction", quotesRequired)
	}
	if err != nil {
		return "", err
	}
	return p.Build()
}
