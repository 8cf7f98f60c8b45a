/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when a response contains nothing resembling a JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON extracts JSON content from a text response that may contain markdown code blocks.
// It looks for content between ```json (or bare ```) fences, and otherwise returns the input trimmed.
func ExtractJSON(responseText string) string {
	lines := strings.Split(responseText, "\n")
	var jsonBuffer bytes.Buffer
	inBlock := false
	found := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock && (trimmed == "```json" || trimmed == "```JSON" || trimmed == "```") {
			inBlock = true
			found = true
			continue
		}
		if inBlock && trimmed == "```" {
			break
		}
		if inBlock {
			if jsonBuffer.Len() > 0 {
				jsonBuffer.WriteString("\n")
			}
			jsonBuffer.WriteString(line)
		}
	}

	if found {
		return strings.TrimSpace(jsonBuffer.String())
	}

	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}

// Object locates the JSON object in a model response. It tries, in order:
// the fenced or trimmed text as-is, the span from the first '{' to the last
// '}', and finally a syntactic repair of that span.
func Object(responseText string) (json.RawMessage, error) {
	text := ExtractJSON(responseText)
	if isObject(text) {
		return json.RawMessage(text), nil
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 {
		// Fences sometimes hide the only object; fall back to the raw response.
		text = responseText
		start, end = strings.Index(text, "{"), strings.LastIndex(text, "}")
	}
	if start < 0 {
		return nil, ErrNoJSON
	}
	if end > start {
		if span := text[start : end+1]; isObject(span) {
			return json.RawMessage(span), nil
		}
	}

	candidate := text[start:]
	if end > start {
		candidate = text[start : end+1]
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("repairing JSON: %w", err)
	}
	if !isObject(repaired) {
		return nil, ErrNoJSON
	}
	return json.RawMessage(repaired), nil
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// Extract extracts the JSON object from a text response and unmarshals it into the provided type.
func Extract[T any](responseText string) (T, error) {
	var result T

	raw, err := Object(responseText)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, err
	}
	return result, nil
}
