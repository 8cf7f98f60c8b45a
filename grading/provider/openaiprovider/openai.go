/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package openaiprovider adapts the OpenAI chat completions API, and the
// OpenAI-compatible OpenRouter endpoint, to provider.Interface.
package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/rolloutgrader/grading/provider"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenRouterBaseURL is the OpenAI-compatible OpenRouter endpoint.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1/"

// Option configures a Provider.
type Option func(*config) error

type config struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *config) error {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("base URL %q must be http(s)", u)
		}
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// Provider implements provider.Interface over chat completions.
type Provider struct {
	name   string
	client openai.Client
}

var _ provider.Interface = (*Provider)(nil)

// New creates an OpenAI provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	return newProvider(provider.OpenAI, apiKey, &config{}, opts)
}

// NewOpenRouter creates a provider for OpenRouter.
func NewOpenRouter(apiKey string, opts ...Option) (*Provider, error) {
	return newProvider(provider.OpenRouter, apiKey, &config{
		baseURL: OpenRouterBaseURL,
		headers: map[string]string{"X-Title": "rolloutgrader"},
	}, opts)
}

func newProvider(name, apiKey string, cfg *config, opts []Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, provider.ErrNoCredentials)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the grading engine.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.httpClient))
	}
	for k, v := range cfg.headers {
		clientOpts = append(clientOpts, option.WithHeader(k, v))
	}

	return &Provider{name: name, client: openai.NewClient(clientOpts...)}, nil
}

// Complete implements provider.Interface.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	q := provider.QuirksFor(p.name, req.Model)
	sampling := q.Normalize(req.Sampling)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if sampling.Temperature != nil {
		params.Temperature = openai.Float(*sampling.Temperature)
	}
	if sampling.TopP != nil {
		params.TopP = openai.Float(*sampling.TopP)
	}
	if sampling.MaxTokens != nil {
		if q.MaxTokensField == provider.MaxCompletionTokens {
			params.MaxCompletionTokens = openai.Int(*sampling.MaxTokens)
		} else {
			params.MaxTokens = openai.Int(*sampling.MaxTokens)
		}
	}
	if q.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Malformed(p.name, "response has no choices")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, provider.Malformed(p.name, "empty completion (finish reason %q)", resp.Choices[0].FinishReason)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Completion{
		Text:           text,
		Model:          model,
		StructuredJSON: q.JSONMode,
		InputTokens:    resp.Usage.PromptTokens,
		OutputTokens:   resp.Usage.CompletionTokens,
	}, nil
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Kind:       provider.KindForStatus(apiErr.StatusCode),
			Provider:   p.name,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &provider.Error{Kind: provider.KindOf(err), Provider: p.name, Err: err}
}
