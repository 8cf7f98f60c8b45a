/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package promptbuilder

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type binding interface {
	value() (string, error)
}

type unboundBinding struct {
	name string
}

func (u *unboundBinding) value() (string, error) {
	return "", fmt.Errorf("unbound placeholder: %s", u.name)
}

type textBinding struct {
	val string
}

func (t *textBinding) value() (string, error) {
	return t.val, nil
}

type jsonBinding struct {
	data any
}

func (j *jsonBinding) value() (string, error) {
	b, err := json.MarshalIndent(j.data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(b), nil
}

type yamlBinding struct {
	data any
}

func (y *yamlBinding) value() (string, error) {
	b, err := yaml.Marshal(y.data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return string(b), nil
}

// existsAndUnbound rejects unknown names and double binds.
func existsAndUnbound(bindings map[string]binding, name string) error {
	b, exists := bindings[name]
	if !exists {
		return fmt.Errorf("binding %q not found in template", name)
	}
	if _, isUnbound := b.(*unboundBinding); !isUnbound {
		return fmt.Errorf("binding %q already bound", name)
	}
	return nil
}
