/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package transcript

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single turn in a transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attributes are the immutable metadata recorded alongside a rollout.
type Attributes struct {
	Step           int64   `json:"step"`
	SampleIndex    int64   `json:"sample_index"`
	RolloutN       int64   `json:"rollout_n"`
	Reward         float64 `json:"reward"`
	DataSource     string  `json:"data_source"`
	ExperimentName string  `json:"experiment_name"`
	Validate       bool    `json:"validate"`
}

// Unknown is the placeholder for free-text attributes a rollout omitted.
const Unknown = "unknown"

// UnmarshalJSON fills the free-text attributes with Unknown when absent.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	type plain Attributes
	p := plain{
		DataSource:     Unknown,
		ExperimentName: Unknown,
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decoding attributes: %w", err)
	}
	*a = Attributes(p)
	return nil
}

// Transcript is one recorded conversation. It is read-only input to grading.
type Transcript struct {
	Messages   []Message  `json:"messages"`
	Attributes Attributes `json:"attributes"`
	Timestamp  string     `json:"timestamp"`
}

// Message returns the message at index i, or false when i is out of range.
func (t *Transcript) Message(i int) (Message, bool) {
	if t == nil || i < 0 || i >= len(t.Messages) {
		return Message{}, false
	}
	return t.Messages[i], true
}
