/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"slices"
	"strings"
)

// Provider names accepted by job submission.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Google     = "google"
	OpenRouter = "openrouter"
)

var catalog = map[string][]string{
	OpenAI: {
		"gpt-4o", "gpt-4o-mini",
		"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano",
		"gpt-5", "gpt-5-mini", "gpt-5-nano",
		"o1", "o3", "o3-mini", "o4-mini",
	},
	Anthropic: {
		"claude-opus-4-5", "claude-sonnet-4-5", "claude-haiku-4-5",
		"claude-opus-4-1", "claude-sonnet-4-0",
		"claude-3-7-sonnet-latest", "claude-3-5-haiku-latest",
	},
	Google: {
		"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite",
		"gemini-2.0-flash",
	},
	OpenRouter: {
		"openai/gpt-4o", "openai/gpt-4o-mini",
		"anthropic/claude-sonnet-4.5", "anthropic/claude-haiku-4.5",
		"google/gemini-2.5-flash", "google/gemini-2.5-pro",
		"meta-llama/llama-3.3-70b-instruct",
		"deepseek/deepseek-chat",
		"qwen/qwen-2.5-72b-instruct",
	},
}

// Names returns the supported provider names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Models returns the known models for a provider, or nil if the provider is unknown.
func Models(name string) []string {
	return slices.Clone(catalog[name])
}

// Known reports whether name is a supported provider.
func Known(name string) bool {
	_, ok := catalog[name]
	return ok
}

// KnownModel reports whether model may be requested from provider name.
// OpenRouter routes to many more models than are listed, so any
// "vendor/model" identifier is accepted there.
func KnownModel(name, model string) bool {
	models, ok := catalog[name]
	if !ok || model == "" {
		return false
	}
	if slices.Contains(models, model) {
		return true
	}
	if name == OpenRouter {
		vendor, rest, found := strings.Cut(model, "/")
		return found && vendor != "" && rest != "" && !strings.ContainsAny(model, " \t\n")
	}
	return false
}
