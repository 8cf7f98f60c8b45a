/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Rubric is a named, versioned grading instruction with a declared grade type.
type Rubric struct {
	Name        string    `json:"name" yaml:"name"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	Description string    `json:"description" yaml:"description"`
	Prompt      string    `json:"prompt" yaml:"prompt"`
	GradeType   GradeType `json:"grade_type" yaml:"grade_type"`
	Version     string    `json:"version" yaml:"version"`
	Builtin     bool      `json:"builtin" yaml:"-"`
}

// Validate checks that the rubric can be applied to a grading job.
func (r Rubric) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("rubric %q has an empty prompt", r.Name)
	}
	if _, err := ParseGradeType(string(r.GradeType)); err != nil {
		return fmt.Errorf("rubric %q: %w", r.Name, err)
	}
	return nil
}

// ValidateName checks that name is usable as a metric key: letters, digits,
// '_' and '-' only.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("rubric name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("rubric name %q is too long", name)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return fmt.Errorf("rubric name %q contains %q", name, r)
		}
	}
	return nil
}

// AdHoc builds a rubric from a prompt supplied with a grading request rather
// than from the catalog. Its version is derived from the prompt text so that
// grades produced by different prompts under one name stay distinguishable.
func AdHoc(name, prompt string, gradeType GradeType) (Rubric, error) {
	sum := sha256.Sum256([]byte(prompt))
	r := Rubric{
		Name:        name,
		DisplayName: name,
		Prompt:      prompt,
		GradeType:   gradeType,
		Version:     "adhoc-" + hex.EncodeToString(sum[:4]),
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}
