/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/quote"
	"chainguard.dev/rolloutgrader/grading/result"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/grading/transcript"
)

// errMalformed marks a completion that holds no usable grading object.
var errMalformed = errors.New("malformed grading response")

// rawResponse defers decoding of the fields a grader most often gets wrong.
type rawResponse struct {
	Grade       json.RawMessage   `json:"grade"`
	Explanation json.RawMessage   `json:"explanation"`
	Quotes      []json.RawMessage `json:"quotes"`
}

// parse is the Validating state: it decodes the completion, type-checks the
// grade and verifies the cited quotes against t.
func (e *Engine) parse(c *provider.Completion, t *transcript.Transcript) (grades.Entry, error) {
	var raw json.RawMessage
	if c.StructuredJSON && json.Valid([]byte(c.Text)) {
		raw = json.RawMessage(c.Text)
	} else {
		obj, err := result.Object(c.Text)
		if err != nil {
			return grades.Entry{}, fmt.Errorf("%w: %w", errMalformed, err)
		}
		raw = obj
	}

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return grades.Entry{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if absent(resp.Grade) {
		return grades.Entry{}, fmt.Errorf("%w: response has no grade", errMalformed)
	}
	if absent(resp.Explanation) {
		return grades.Entry{}, fmt.Errorf("%w: response has no explanation", errMalformed)
	}

	grade, err := rubric.ParseGrade(resp.Grade, e.rubric.GradeType)
	if err != nil {
		return grades.Entry{}, fmt.Errorf("metric %q: %w", e.rubric.Name, err)
	}

	verification := quote.Verify(claims(resp.Quotes), t)

	model := c.Model
	if model == "" {
		model = e.model
	}
	return grades.Entry{
		Grade:         grade,
		GradeType:     e.rubric.GradeType,
		Quotes:        verification.Accepted,
		Explanation:   explanation(resp.Explanation),
		Model:         model,
		PromptVersion: e.rubric.Version,
		Timestamp:     e.now().UTC().Format(time.RFC3339),
	}, nil
}

// claims decodes each cited quote on its own. An undecodable quote becomes a
// claim the verifier will reject rather than failing the whole response.
func claims(raw []json.RawMessage) []quote.Claim {
	out := make([]quote.Claim, 0, len(raw))
	for _, r := range raw {
		var c quote.Claim
		if err := json.Unmarshal(r, &c); err != nil {
			c = quote.Claim{MessageIndex: -1}
		}
		out = append(out, c)
	}
	return out
}

// absent reports whether a field was omitted or null.
func absent(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func explanation(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
