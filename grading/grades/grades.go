/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package grades

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"chainguard.dev/rolloutgrader/grading/quote"
	"chainguard.dev/rolloutgrader/grading/rubric"
)

// Entry is the result of grading one transcript under one rubric.
type Entry struct {
	Grade         rubric.Grade     `json:"grade"`
	GradeType     rubric.GradeType `json:"grade_type"`
	Quotes        []quote.Quote    `json:"quotes"`
	Explanation   string           `json:"explanation"`
	Model         string           `json:"model"`
	PromptVersion string           `json:"prompt_version"`
	Timestamp     string           `json:"timestamp"`
}

// Grounded reports whether the entry cites at least one verified quote.
func (e Entry) Grounded() bool {
	return len(e.Quotes) > 0
}

// MarshalJSON implements json.Marshaler. Quotes are always an array.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	if e.Quotes == nil {
		e.Quotes = []quote.Quote{}
	}
	return json.Marshal(plain(e))
}

// UnmarshalJSON implements json.Unmarshaler. The grade is converted to the
// recorded grade type where that is lossless, so a float grade written as 1
// reads back as a float.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.GradeType != "" && !p.Grade.IsZero() {
		g, err := p.Grade.Coerce(p.GradeType)
		if err != nil {
			return fmt.Errorf("grade entry: %w", err)
		}
		p.Grade = g
	}
	*e = Entry(p)
	return nil
}

// History is a transcript's grades keyed by metric name, oldest first.
type History map[string][]Entry

// Latest returns the newest entry for metric.
func (h History) Latest(metric string) (Entry, bool) {
	entries := h[metric]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Merge appends each new entry to its transcript's history under metric,
// creating the history or metric list as needed. Transcripts without a new
// entry and other metrics pass through unchanged. Neither input is modified;
// the result shares untouched histories with existing.
//
// Merge is not idempotent: merging the same entries twice records them twice.
func Merge(existing map[int]History, fresh map[int]Entry, metric string) map[int]History {
	out := make(map[int]History, len(existing)+len(fresh))
	maps.Copy(out, existing)

	for id, entry := range fresh {
		prev := existing[id]
		h := make(History, len(prev)+1)
		maps.Copy(h, prev)
		h[metric] = append(slices.Clone(prev[metric]), entry)
		out[id] = h
	}
	return out
}
