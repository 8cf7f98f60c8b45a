/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric

import (
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

var loadPresets = sync.OnceValues(func() ([]Rubric, error) {
	var presets []Rubric
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	for i := range presets {
		presets[i].Builtin = true
		if err := presets[i].Validate(); err != nil {
			return nil, fmt.Errorf("preset %d: %w", i, err)
		}
	}
	return presets, nil
})

// Presets returns the built-in rubrics in declaration order.
func Presets() []Rubric {
	presets, err := loadPresets()
	if err != nil {
		// The file is embedded at build time and covered by tests.
		panic(err)
	}
	return slices.Clone(presets)
}

// Preset looks up a built-in rubric by name.
func Preset(name string) (Rubric, bool) {
	for _, r := range Presets() {
		if r.Name == name {
			return r, true
		}
	}
	return Rubric{}, false
}
