/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package progress defines the events a grading job pushes to its caller and
// the Sink abstraction that carries them.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chainguard.dev/rolloutgrader/grading/grades"
)

// Type is the kind of an Event.
type Type string

const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// ItemError reports a transcript that could not be graded.
type ItemError struct {
	SampleID int    `json:"sample_id"`
	Error    string `json:"error"`
}

// Event is one message on a job's progress stream.
type Event struct {
	Type Type

	// progress
	Completed int
	Total     int

	// complete
	Grades    map[int]grades.Entry
	Errors    []ItemError
	Cancelled bool

	// error
	Message string
}

// Progress reports that completed of total transcripts are finished.
func Progress(completed, total int) Event {
	return Event{Type: TypeProgress, Completed: completed, Total: total}
}

// Complete is the terminal event of a job that ran to completion or was cancelled.
func Complete(g map[int]grades.Entry, errs []ItemError, cancelled bool) Event {
	return Event{Type: TypeComplete, Grades: g, Errors: errs, Cancelled: cancelled}
}

// Failure is the terminal event of a job that was aborted.
func Failure(format string, args ...any) Event {
	return Event{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// MarshalJSON emits only the fields belonging to the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeProgress:
		return json.Marshal(struct {
			Type      Type `json:"type"`
			Completed int  `json:"completed"`
			Total     int  `json:"total"`
		}{e.Type, e.Completed, e.Total})

	case TypeComplete:
		g := e.Grades
		if g == nil {
			g = map[int]grades.Entry{}
		}
		errs := e.Errors
		if errs == nil {
			errs = []ItemError{}
		}
		return json.Marshal(struct {
			Type        Type                 `json:"type"`
			GradedCount int                  `json:"graded_count"`
			Errors      []ItemError          `json:"errors"`
			Grades      map[int]grades.Entry `json:"grades"`
			Cancelled   bool                 `json:"cancelled"`
		}{e.Type, len(g), errs, g, e.Cancelled})

	case TypeError:
		return json.Marshal(struct {
			Type    Type   `json:"type"`
			Message string `json:"message"`
		}{e.Type, e.Message})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// Sink receives events. An error means the transport is gone and the job
// must stop.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// ErrClosed is returned for events emitted after the terminal event.
var ErrClosed = errors.New("progress stream already terminated")

// Guard wraps a Sink so that nothing is delivered after a terminal event and
// progress counts never go backwards.
type Guard struct {
	mu     sync.Mutex
	sink   Sink
	closed bool
	last   int
}

var _ Sink = (*Guard)(nil)

// NewGuard wraps s.
func NewGuard(s Sink) *Guard {
	return &Guard{sink: s}
}

// Emit implements Sink.
func (g *Guard) Emit(ctx context.Context, e Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if e.Type == TypeProgress {
		if e.Completed <= g.last {
			return nil
		}
		g.last = e.Completed
	}
	if e.Terminal() {
		g.closed = true
	}
	return g.sink.Emit(ctx, e)
}

// Closed reports whether the terminal event has been emitted.
func (g *Guard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
