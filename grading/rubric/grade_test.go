/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric_test

import (
	"encoding/json"
	"errors"
	"testing"

	"chainguard.dev/rolloutgrader/grading/rubric"
)

func TestParseGrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		want     rubric.GradeType
		wantStr  string
		mismatch bool
	}{
		{name: "bool true", raw: `true`, want: rubric.GradeBool, wantStr: "true"},
		{name: "bool false", raw: `false`, want: rubric.GradeBool, wantStr: "false"},
		{name: "bool from string", raw: `"yes"`, want: rubric.GradeBool, mismatch: true},
		{name: "bool from number", raw: `1`, want: rubric.GradeBool, mismatch: true},
		{name: "int", raw: `4`, want: rubric.GradeInt, wantStr: "4"},
		{name: "int written as float", raw: `4.0`, want: rubric.GradeInt, wantStr: "4"},
		{name: "int fractional", raw: `4.5`, want: rubric.GradeInt, mismatch: true},
		{name: "int from string", raw: `"4"`, want: rubric.GradeInt, mismatch: true},
		{name: "float", raw: `0.75`, want: rubric.GradeFloat, wantStr: "0.75"},
		{name: "float from integer", raw: `1`, want: rubric.GradeFloat, wantStr: "1.0"},
		{name: "float from bool", raw: `true`, want: rubric.GradeFloat, mismatch: true},
		{name: "null", raw: `null`, want: rubric.GradeFloat, mismatch: true},
		{name: "missing", raw: ``, want: rubric.GradeFloat, mismatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, err := rubric.ParseGrade(json.RawMessage(tt.raw), tt.want)
			if tt.mismatch {
				if !errors.Is(err, rubric.ErrTypeMismatch) {
					t.Fatalf("ParseGrade(%s) error = %v, wanted ErrTypeMismatch", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGrade(%s) unexpected error: %v", tt.raw, err)
			}
			if g.Type() != tt.want {
				t.Errorf("Type() got = %s, wanted = %s", g.Type(), tt.want)
			}
			if g.String() != tt.wantStr {
				t.Errorf("String() got = %s, wanted = %s", g.String(), tt.wantStr)
			}
		})
	}
}

func TestGradeJSON(t *testing.T) {
	t.Parallel()

	for _, g := range []rubric.Grade{rubric.Bool(true), rubric.Int(7), rubric.Float(2), rubric.Float(0.25)} {
		b, err := json.Marshal(g)
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", g, err)
		}
		var back rubric.Grade
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", b, err)
		}
		if back != g {
			t.Errorf("round trip of %s got = %v (%s), wanted = %v (%s)", b, back, back.Type(), g, g.Type())
		}
	}
}

func TestGradeCoerce(t *testing.T) {
	t.Parallel()

	g, err := rubric.Int(3).Coerce(rubric.GradeFloat)
	if err != nil {
		t.Fatalf("Coerce() error = %v", err)
	}
	if f, ok := g.AsFloat(); !ok || f != 3 {
		t.Errorf("AsFloat() got = %v, %v, wanted = 3, true", f, ok)
	}
	if _, err := rubric.Bool(true).Coerce(rubric.GradeInt); !errors.Is(err, rubric.ErrTypeMismatch) {
		t.Errorf("Coerce(bool -> int) error = %v, wanted ErrTypeMismatch", err)
	}
}

func TestGradeNumber(t *testing.T) {
	t.Parallel()

	if got := rubric.Bool(true).Number(); got != 1 {
		t.Errorf("Bool(true).Number() got = %v, wanted = 1", got)
	}
	if got := rubric.Int(-2).Number(); got != -2 {
		t.Errorf("Int(-2).Number() got = %v, wanted = -2", got)
	}
}
