/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudeprovider adapts the Anthropic Messages API to provider.Interface.
package claudeprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/rolloutgrader/grading/provider"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Option configures a Provider.
type Option func(*Provider) error

// WithBaseURL overrides the Anthropic API endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) error {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("base URL %q must be http(s)", u)
		}
		p.opts = append(p.opts, option.WithBaseURL(u))
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		p.opts = append(p.opts, option.WithHTTPClient(hc))
		return nil
	}
}

// Provider implements provider.Interface for Claude models.
type Provider struct {
	opts   []option.RequestOption
	client anthropic.Client
}

var _ provider.Interface = (*Provider)(nil)

// New creates a Claude provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider.Anthropic, provider.ErrNoCredentials)
	}
	p := &Provider{
		opts: []option.RequestOption{
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.client = anthropic.NewClient(p.opts...)
	return p, nil
}

// Complete implements provider.Interface.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	sampling := provider.QuirksFor(provider.Anthropic, req.Model).Normalize(req.Sampling)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: *sampling.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if sampling.Temperature != nil {
		params.Temperature = anthropic.Float(*sampling.Temperature)
	}
	if sampling.TopP != nil {
		params.TopP = anthropic.Float(*sampling.TopP)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, provider.Malformed(provider.Anthropic, "no text content (stop reason %q)", msg.StopReason)
	}

	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}
	return &provider.Completion{
		Text:         text.String(),
		Model:        model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Kind:       provider.KindForStatus(apiErr.StatusCode),
			Provider:   provider.Anthropic,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &provider.Error{Kind: provider.KindOf(err), Provider: provider.Anthropic, Err: err}
}
