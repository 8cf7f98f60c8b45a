/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package jobs turns a grading request into a coordinator.Job, performing
// every check that must pass before any provider call is made.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/engine"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/retry"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"github.com/chainguard-dev/clog"
)

// DefaultParallel is the concurrency used when a request leaves it unset.
const DefaultParallel = 10

// Request is a job submission.
type Request struct {
	FilePath  string `json:"file_path"`
	SampleIDs []int  `json:"sample_ids"`

	MetricName string `json:"metric_name"`
	// MetricPrompt grades against an ad-hoc rubric instead of the catalog.
	MetricPrompt string `json:"metric_prompt,omitempty"`
	GradeType    string `json:"grade_type,omitempty"`

	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`

	ParallelSize    int   `json:"parallel_size"`
	RequireQuotes   *bool `json:"require_quotes,omitempty"`
	MaxQuoteRetries *int  `json:"max_quote_retries,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Opener builds a provider adapter. *registry.Registry implements it.
type Opener interface {
	Open(ctx context.Context, name, apiKey string) (provider.Interface, error)
}

// Loader reads the transcripts of a rollout file, indexed by sample ID.
// *sidestore.Store implements it.
type Loader interface {
	Transcripts(ctx context.Context, loc string) ([]transcript.Transcript, error)
}

// Option configures a Planner.
type Option func(*Planner) error

// WithDefaultParallel sets the concurrency used when a request leaves it unset.
func WithDefaultParallel(n int) Option {
	return func(p *Planner) error {
		if n < coordinator.MinConcurrency || n > coordinator.MaxConcurrency {
			return fmt.Errorf("default parallel size %d must be between %d and %d", n, coordinator.MinConcurrency, coordinator.MaxConcurrency)
		}
		p.defaultParallel = n
		return nil
	}
}

// WithCallTimeout bounds every provider call of planned jobs.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Planner) error {
		if d <= 0 {
			return errors.New("call timeout must be positive")
		}
		p.engineOpts = append(p.engineOpts, engine.WithCallTimeout(d))
		return nil
	}
}

// WithRetryConfig sets the provider backoff of planned jobs.
func WithRetryConfig(cfg retry.Config) Option {
	return func(p *Planner) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid retry config: %w", err)
		}
		p.engineOpts = append(p.engineOpts, engine.WithRetryConfig(cfg))
		return nil
	}
}

// Planner validates requests and assembles jobs.
type Planner struct {
	providers       Opener
	rubrics         rubric.Catalog
	loader          Loader
	defaultParallel int
	engineOpts      []engine.Option
}

// NewPlanner creates a Planner.
func NewPlanner(providers Opener, rubrics rubric.Catalog, loader Loader, opts ...Option) (*Planner, error) {
	if providers == nil || rubrics == nil || loader == nil {
		return nil, errors.New("providers, rubrics and loader are required")
	}
	p := &Planner{
		providers:       providers,
		rubrics:         rubrics,
		loader:          loader,
		defaultParallel: DefaultParallel,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func preflight(format string, args ...any) error {
	return fmt.Errorf("%w: %s", coordinator.ErrPreflight, fmt.Sprintf(format, args...))
}

// Plan checks req and returns the job that grades it under id. Every
// returned error wraps coordinator.ErrPreflight. Callers attach id to ctx's
// logger.
func (p *Planner) Plan(ctx context.Context, id string, req Request) (coordinator.Job, error) {
	if !provider.Known(req.Provider) {
		return coordinator.Job{}, preflight("unknown provider %q (supported: %v)", req.Provider, provider.Names())
	}
	if !provider.KnownModel(req.Provider, req.Model) {
		return coordinator.Job{}, preflight("unknown model %q for provider %s", req.Model, req.Provider)
	}
	if len(req.SampleIDs) == 0 {
		return coordinator.Job{}, preflight("no samples selected")
	}
	parallel := req.ParallelSize
	if parallel == 0 {
		parallel = p.defaultParallel
	}
	if parallel < coordinator.MinConcurrency || parallel > coordinator.MaxConcurrency {
		return coordinator.Job{}, preflight("parallel size %d must be between %d and %d", parallel, coordinator.MinConcurrency, coordinator.MaxConcurrency)
	}

	r, err := p.rubric(ctx, req)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("%w: %w", coordinator.ErrPreflight, err)
	}

	transcripts, err := p.loader.Transcripts(ctx, req.FilePath)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("%w: %w", coordinator.ErrPreflight, err)
	}
	items := make([]coordinator.Item, 0, len(req.SampleIDs))
	for _, sid := range req.SampleIDs {
		if sid < 0 || sid >= len(transcripts) {
			return coordinator.Job{}, preflight("sample %d is out of range (file has %d samples)", sid, len(transcripts))
		}
		items = append(items, coordinator.Item{ID: sid, Transcript: &transcripts[sid]})
	}

	adapter, err := p.providers.Open(ctx, req.Provider, req.APIKey)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("%w: %w", coordinator.ErrPreflight, err)
	}

	opts := []engine.Option{
		engine.WithProviderName(req.Provider),
		engine.WithSampling(provider.Sampling{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		}),
		engine.WithRequireQuotes(req.RequireQuotes == nil || *req.RequireQuotes),
	}
	if req.MaxQuoteRetries != nil {
		opts = append(opts, engine.WithMaxQuoteRetries(*req.MaxQuoteRetries))
	}
	opts = append(opts, p.engineOpts...)

	eng, err := engine.New(adapter, r, req.Model, opts...)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("%w: %w", coordinator.ErrPreflight, err)
	}

	job := coordinator.Job{
		ID:          id,
		Provider:    req.Provider,
		Metric:      r.Name,
		Items:       items,
		Concurrency: parallel,
		Grader:      eng,
	}
	if err := job.Validate(); err != nil {
		return coordinator.Job{}, err
	}

	clog.FromContext(ctx).With("rubric", r.Name).
		With("rubric_version", r.Version).
		With("model", req.Model).
		With("samples", len(items)).
		Info("Planned grading job")
	return job, nil
}

// rubric resolves the rubric for req: ad hoc when a prompt is supplied,
// otherwise from the catalog by metric name.
func (p *Planner) rubric(ctx context.Context, req Request) (rubric.Rubric, error) {
	if req.MetricPrompt == "" {
		if req.MetricName == "" {
			return rubric.Rubric{}, errors.New("metric_name is required")
		}
		return p.rubrics.Get(ctx, req.MetricName)
	}

	gt := rubric.GradeFloat
	if req.GradeType != "" {
		parsed, err := rubric.ParseGradeType(req.GradeType)
		if err != nil {
			return rubric.Rubric{}, err
		}
		gt = parsed
	}
	return rubric.AdHoc(req.MetricName, req.MetricPrompt, gt)
}
