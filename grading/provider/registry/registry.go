/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package registry constructs provider adapters by name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/provider/claudeprovider"
	"chainguard.dev/rolloutgrader/grading/provider/googleprovider"
	"chainguard.dev/rolloutgrader/grading/provider/openaiprovider"
)

// ErrUnknownProvider is returned for provider names outside provider.Names().
var ErrUnknownProvider = errors.New("unknown provider")

// Option configures a Registry.
type Option func(*Registry)

// WithBaseURL points provider name at a different endpoint.
func WithBaseURL(name, u string) Option {
	return func(r *Registry) {
		r.baseURLs[name] = u
	}
}

// WithHTTPClient sets the HTTP client shared by every adapter.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Registry) {
		r.httpClient = hc
	}
}

// WithVertexAI serves Gemini from Vertex AI when no Google API key is available.
func WithVertexAI(project, location string) Option {
	return func(r *Registry) {
		r.vertexProject = project
		r.vertexLocation = location
	}
}

// Registry resolves credentials and builds adapters.
type Registry struct {
	keys           provider.Keys
	baseURLs       map[string]string
	httpClient     *http.Client
	vertexProject  string
	vertexLocation string
}

// New returns a Registry that falls back to keys when a request carries no key.
func New(keys provider.Keys, opts ...Option) *Registry {
	r := &Registry{keys: keys, baseURLs: map[string]string{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports which providers can be used without a per-request key.
func (r *Registry) Available() map[string]bool {
	out := r.keys.Available()
	if r.vertexProject != "" {
		out[provider.Google] = true
	}
	return out
}

// Open builds the adapter for name, authenticated with override when set.
func (r *Registry) Open(ctx context.Context, name, override string) (provider.Interface, error) {
	if !provider.Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	key, err := r.keys.Resolve(name, override)
	if name == provider.Google && errors.Is(err, provider.ErrNoCredentials) && r.vertexProject != "" {
		return open(googleprovider.New(ctx, "", r.googleOptions(true)...))
	}
	if err != nil {
		return nil, err
	}

	switch name {
	case provider.OpenAI, provider.OpenRouter:
		var opts []openaiprovider.Option
		if u := r.baseURLs[name]; u != "" {
			opts = append(opts, openaiprovider.WithBaseURL(u))
		}
		if r.httpClient != nil {
			opts = append(opts, openaiprovider.WithHTTPClient(r.httpClient))
		}
		if name == provider.OpenRouter {
			return open(openaiprovider.NewOpenRouter(key, opts...))
		}
		return open(openaiprovider.New(key, opts...))

	case provider.Anthropic:
		var opts []claudeprovider.Option
		if u := r.baseURLs[name]; u != "" {
			opts = append(opts, claudeprovider.WithBaseURL(u))
		}
		if r.httpClient != nil {
			opts = append(opts, claudeprovider.WithHTTPClient(r.httpClient))
		}
		return open(claudeprovider.New(key, opts...))

	case provider.Google:
		return open(googleprovider.New(ctx, key, r.googleOptions(false)...))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// open keeps a failed constructor from yielding a non-nil interface.
func open[P provider.Interface](p P, err error) (provider.Interface, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) googleOptions(vertex bool) []googleprovider.Option {
	var opts []googleprovider.Option
	if u := r.baseURLs[provider.Google]; u != "" {
		opts = append(opts, googleprovider.WithBaseURL(u))
	}
	if r.httpClient != nil {
		opts = append(opts, googleprovider.WithHTTPClient(r.httpClient))
	}
	if vertex {
		opts = append(opts, googleprovider.WithVertexAI(r.vertexProject, r.vertexLocation))
	}
	return opts
}
