/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GradeType is the declared type of a rubric's grade.
type GradeType string

const (
	GradeFloat GradeType = "float"
	GradeInt   GradeType = "int"
	GradeBool  GradeType = "bool"
)

// ParseGradeType validates s as a GradeType.
func ParseGradeType(s string) (GradeType, error) {
	switch t := GradeType(s); t {
	case GradeFloat, GradeInt, GradeBool:
		return t, nil
	}
	return "", fmt.Errorf("unknown grade type %q (want float, int or bool)", s)
}

// ErrTypeMismatch is returned when a grade's JSON type does not match the
// declared grade type.
var ErrTypeMismatch = errors.New("grade type mismatch")

// Grade holds exactly one of a bool, an int64 or a float64.
type Grade struct {
	typ GradeType
	b   bool
	i   int64
	f   float64
}

func Bool(v bool) Grade     { return Grade{typ: GradeBool, b: v} }
func Int(v int64) Grade     { return Grade{typ: GradeInt, i: v} }
func Float(v float64) Grade { return Grade{typ: GradeFloat, f: v} }

// Type returns the type of the held value, or "" for the zero Grade.
func (g Grade) Type() GradeType { return g.typ }

// IsZero reports whether g holds no value.
func (g Grade) IsZero() bool { return g.typ == "" }

// AsBool returns the held bool.
func (g Grade) AsBool() (bool, bool) { return g.b, g.typ == GradeBool }

// AsInt returns the held int64.
func (g Grade) AsInt() (int64, bool) { return g.i, g.typ == GradeInt }

// AsFloat returns the held float64.
func (g Grade) AsFloat() (float64, bool) { return g.f, g.typ == GradeFloat }

// Number returns the grade as a float64, with booleans as 0 or 1.
func (g Grade) Number() float64 {
	switch g.typ {
	case GradeBool:
		if g.b {
			return 1
		}
		return 0
	case GradeInt:
		return float64(g.i)
	default:
		return g.f
	}
}

func (g Grade) String() string {
	switch g.typ {
	case GradeBool:
		return strconv.FormatBool(g.b)
	case GradeInt:
		return strconv.FormatInt(g.i, 10)
	case GradeFloat:
		return formatFloat(g.f)
	}
	return ""
}

// formatFloat always carries a fractional part so the value reads back as a float.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// MarshalJSON implements json.Marshaler.
func (g Grade) MarshalJSON() ([]byte, error) {
	switch g.typ {
	case "":
		return []byte("null"), nil
	case GradeFloat:
		if math.IsNaN(g.f) || math.IsInf(g.f, 0) {
			return nil, fmt.Errorf("grade %v is not representable in JSON", g.f)
		}
	}
	return []byte(g.String()), nil
}

// UnmarshalJSON infers the type from the JSON token: booleans are bools,
// numbers with a fraction or exponent are floats, other numbers are ints.
// Callers that know the declared type should use ParseGrade instead.
func (g *Grade) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*g = Grade{}
		return nil
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*g = Bool(data[0] == 't')
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding grade: %w", err)
	}
	if !bytes.ContainsAny(data, ".eE") {
		if i, err := n.Int64(); err == nil {
			*g = Int(i)
			return nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("decoding grade: %w", err)
	}
	*g = Float(f)
	return nil
}

// ParseGrade decodes raw against the declared type. Booleans must be JSON
// booleans, ints must be integral JSON numbers, and floats accept any JSON
// number. Anything else, strings included, wraps ErrTypeMismatch.
func ParseGrade(raw json.RawMessage, want GradeType) (Grade, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Grade{}, fmt.Errorf("%w: grade is missing", ErrTypeMismatch)
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Grade{}, fmt.Errorf("decoding grade: %w", err)
	}

	switch want {
	case GradeBool:
		if b, ok := v.(bool); ok {
			return Bool(b), nil
		}
	case GradeInt:
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return Int(i), nil
			}
			if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
				return Int(int64(f)), nil
			}
		}
	case GradeFloat:
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return Float(f), nil
			}
		}
	default:
		return Grade{}, fmt.Errorf("unknown grade type %q", want)
	}
	return Grade{}, fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, want, describe(v))
}

func describe(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean " + strconv.FormatBool(v)
	case json.Number:
		return "number " + v.String()
	case string:
		return strconv.Quote(v)
	case []any:
		return "array"
	default:
		return "object"
	}
}

// Coerce converts g to the declared type where that loses nothing: an int
// read back from storage becomes a float for a float rubric.
func (g Grade) Coerce(want GradeType) (Grade, error) {
	if g.typ == want {
		return g, nil
	}
	if g.typ == GradeInt && want == GradeFloat {
		return Float(float64(g.i)), nil
	}
	if g.typ == GradeFloat && want == GradeInt && g.f == math.Trunc(g.f) {
		return Int(int64(g.f)), nil
	}
	return Grade{}, fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, want, g.typ)
}
