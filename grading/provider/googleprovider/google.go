/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package googleprovider adapts Gemini models, served either by the Gemini
// API or by Vertex AI, to provider.Interface.
package googleprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"chainguard.dev/rolloutgrader/grading/provider"
	"google.golang.org/genai"
)

// Option configures a Provider.
type Option func(*genai.ClientConfig) error

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(cfg *genai.ClientConfig) error {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("base URL %q must be http(s)", u)
		}
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		cfg.HTTPOptions.BaseURL = u
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *genai.ClientConfig) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		cfg.HTTPClient = hc
		return nil
	}
}

// WithVertexAI serves requests from Vertex AI using application default
// credentials instead of an API key.
func WithVertexAI(project, location string) Option {
	return func(cfg *genai.ClientConfig) error {
		if project == "" || location == "" {
			return errors.New("vertex AI requires a project and location")
		}
		cfg.Backend = genai.BackendVertexAI
		cfg.Project = project
		cfg.Location = location
		cfg.APIKey = ""
		return nil
	}
}

// Provider implements provider.Interface for Gemini.
type Provider struct {
	client *genai.Client
}

var _ provider.Interface = (*Provider)(nil)

// New creates a Gemini provider. An API key is required unless WithVertexAI
// is given.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Backend == genai.BackendGeminiAPI && cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", provider.Google, provider.ErrNoCredentials)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Complete implements provider.Interface.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	q := provider.QuirksFor(provider.Google, req.Model)
	sampling := q.Normalize(req.Sampling)

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if sampling.Temperature != nil {
		config.Temperature = ptr(float32(*sampling.Temperature))
	}
	if sampling.TopP != nil {
		config.TopP = ptr(float32(*sampling.TopP))
	}
	if sampling.MaxTokens != nil {
		config.MaxOutputTokens = int32(*sampling.MaxTokens)
	}
	if q.JSONMode {
		config.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.UserPrompt}},
	}}
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, &provider.Error{Kind: classify(err), Provider: provider.Google, StatusCode: statusOf(err), Err: err}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, provider.Malformed(provider.Google, "response has no candidates")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, provider.Malformed(provider.Google, "empty completion (finish reason %q)", resp.Candidates[0].FinishReason)
	}

	out := &provider.Completion{
		Text:           text.String(),
		Model:          req.Model,
		StructuredJSON: q.JSONMode,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

var statusPattern = regexp.MustCompile(`\bError (\d{3})\b`)

func statusOf(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classify maps a Gemini error onto a provider.Kind. The SDK surfaces API
// failures as formatted strings, so status text is matched as well as the code.
func classify(err error) provider.Kind {
	if errors.Is(err, context.Canceled) {
		return provider.KindInvalid
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "UNAUTHENTICATED") ||
		strings.Contains(errStr, "PERMISSION_DENIED") ||
		strings.Contains(errStr, "API key not valid"):
		return provider.KindAuth
	case strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "Resource exhausted") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "rate limit"):
		return provider.KindRateLimited
	case strings.Contains(errStr, "Overloaded") ||
		strings.Contains(errStr, "UNAVAILABLE") ||
		strings.Contains(errStr, "Internal error") ||
		strings.Contains(errStr, "server error"):
		return provider.KindTransient
	}
	if code := statusOf(err); code != 0 {
		return provider.KindForStatus(code)
	}
	return provider.KindTransient
}

func ptr[T any](v T) *T { return &v }
