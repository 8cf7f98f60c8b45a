/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package quote checks that evidence cited by a grader occurs verbatim in the
// transcript and derives its location.
//
// Offsets are Unicode code point offsets into a message's content. Offsets
// claimed by the grader are never trusted.
package quote

import (
	"strings"
	"unicode/utf8"

	"chainguard.dev/rolloutgrader/grading/transcript"
)

// Claim is a quote as cited by a grader.
type Claim struct {
	MessageIndex int    `json:"message_index"`
	Text         string `json:"text"`
}

// Quote is a verified evidence span.
type Quote struct {
	MessageIndex int    `json:"message_index"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	Text         string `json:"text"`
}

// Verification is the result of checking a set of claims.
type Verification struct {
	Accepted []Quote
	// Missing counts claims that did not match: bad message index, empty
	// text, or text absent from the message. A claim repeating an accepted
	// span is dropped without being counted, so len(Accepted)+Missing can be
	// less than the number of claims.
	Missing int
}

// Verify locates every claim in t by exact substring match. The first
// occurrence wins. Claims that do not match are dropped and counted.
// Repeated claims of the same span are accepted once and the repeats are
// dropped silently.
func Verify(claims []Claim, t *transcript.Transcript) Verification {
	var v Verification
	seen := make(map[Quote]struct{}, len(claims))
	for _, c := range claims {
		q, ok := locate(c, t)
		if !ok {
			v.Missing++
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		v.Accepted = append(v.Accepted, q)
	}
	return v
}

func locate(c Claim, t *transcript.Transcript) (Quote, bool) {
	if c.Text == "" {
		return Quote{}, false
	}
	msg, ok := t.Message(c.MessageIndex)
	if !ok {
		return Quote{}, false
	}
	idx := strings.Index(msg.Content, c.Text)
	if idx < 0 {
		return Quote{}, false
	}
	start := utf8.RuneCountInString(msg.Content[:idx])
	return Quote{
		MessageIndex: c.MessageIndex,
		Start:        start,
		End:          start + utf8.RuneCountInString(c.Text),
		Text:         c.Text,
	}, true
}

// Slice returns content[start:end] measured in code points.
func Slice(content string, start, end int) (string, bool) {
	if start < 0 || end < start {
		return "", false
	}
	runes := []rune(content)
	if end > len(runes) {
		return "", false
	}
	return string(runes[start:end]), true
}

// Check reports whether q still matches t.
func Check(q Quote, t *transcript.Transcript) bool {
	msg, ok := t.Message(q.MessageIndex)
	if !ok {
		return false
	}
	got, ok := Slice(msg.Content, q.Start, q.End)
	return ok && got == q.Text
}
