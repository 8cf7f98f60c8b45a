/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package promptbuilder renders grading prompts from developer-authored
// templates with {{name}} placeholders.
//
// Templates can only be created from string literals. Bound values are
// substituted in a single pass, so placeholder syntax inside a transcript or a
// user-written rubric is never expanded. Every Bind method returns a new
// Prompt; the receiver is left unchanged, so a parsed template can be shared
// by concurrent graders.
package promptbuilder

import (
	"fmt"
	"maps"
)

// stringLiteral is unexported so that only untyped string constants convert to it.
type stringLiteral string

// Prompt is a template with bindable placeholders.
type Prompt struct {
	template string
	bindings map[string]binding
}

// NewPrompt parses template and records its placeholders as unbound.
func NewPrompt(template stringLiteral) (*Prompt, error) {
	bindings := make(map[string]binding)
	tmpl, err := walkTemplate(string(template), func(name string) (string, error) {
		if _, exists := bindings[name]; !exists {
			bindings[name] = &unboundBinding{name: name}
		}
		return "{{" + name + "}}", nil
	})
	if err != nil {
		return nil, err
	}
	return &Prompt{template: tmpl, bindings: bindings}, nil
}

func (p *Prompt) bind(name string, b binding) (*Prompt, error) {
	if err := existsAndUnbound(p.bindings, name); err != nil {
		return nil, err
	}
	next := &Prompt{template: p.template, bindings: maps.Clone(p.bindings)}
	next.bindings[name] = b
	return next, nil
}

// BindStringLiteral binds a developer-authored constant.
func (p *Prompt) BindStringLiteral(name string, value stringLiteral) (*Prompt, error) {
	return p.bind(name, &textBinding{val: string(value)})
}

// BindText binds runtime text verbatim. Use it for content the grader must
// see exactly, such as transcript messages it will be asked to quote.
func (p *Prompt) BindText(name, value string) (*Prompt, error) {
	return p.bind(name, &textBinding{val: value})
}

// BindJSON binds data marshaled as indented JSON.
func (p *Prompt) BindJSON(name string, data any) (*Prompt, error) {
	return p.bind(name, &jsonBinding{data: data})
}

// BindYAML binds data marshaled as YAML.
func (p *Prompt) BindYAML(name string, data any) (*Prompt, error) {
	return p.bind(name, &yamlBinding{data: data})
}

// Build renders the prompt. It fails if any placeholder is unbound.
func (p *Prompt) Build() (string, error) {
	values := make(map[string]string, len(p.bindings))
	for name, b := range p.bindings {
		val, err := b.value()
		if err != nil {
			return "", err
		}
		values[name] = val
	}

	return walkTemplate(p.template, func(name string) (string, error) {
		if val, exists := values[name]; exists {
			return val, nil
		}
		return "", fmt.Errorf("internal error: binding %q not found in values map", name)
	})
}

// Must panics if err is non-nil. It is intended for package-level templates:
//
//	var p = promptbuilder.Must(promptbuilder.NewPrompt(`Grade {{transcript}}`))
func Must(p *Prompt, err error) *Prompt {
	if err != nil {
		panic(err)
	}
	return p
}

// MustNewPrompt is Must(NewPrompt(template)).
func MustNewPrompt(template stringLiteral) *Prompt {
	return Must(NewPrompt(template))
}
