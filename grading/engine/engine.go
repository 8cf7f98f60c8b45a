/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package engine grades a single transcript against a rubric.
//
// Each call to Grade walks an explicit state machine:
//
//	Building → AwaitingCompletion → Validating → (RetryingForQuotes → AwaitingCompletion)* → Done
//
// Provider failures and missing quotes are retried from separate budgets.
// Grade never returns an error: every failure is an Outcome attributable to
// the transcript it was asked to grade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/metrics"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/retry"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"github.com/chainguard-dev/clog"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxQuoteRetries is the quote re-prompt budget per transcript.
	DefaultMaxQuoteRetries = 2
	// DefaultCallTimeout bounds a single provider call.
	DefaultCallTimeout = 2 * time.Minute

	malformedRetries = 1
)

// State is a step of the grading state machine.
type State int

const (
	Building State = iota
	AwaitingCompletion
	Validating
	RetryingForQuotes
	Done
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Validating:
		return "validating"
	case RetryingForQuotes:
		return "retrying_for_quotes"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the terminal result for one transcript. Err is nil on success.
type Outcome struct {
	ID    int
	Entry grades.Entry
	Err   error
	// Calls counts provider calls made, including retries.
	Calls int
	// QuoteRetries counts re-prompts for missing quotes.
	QuoteRetries int
}

// OK reports whether the transcript was graded.
func (o Outcome) OK() bool { return o.Err == nil }

// Reason is the human-readable failure reason, or "" on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Engine grades transcripts with one provider, model and rubric. It holds no
// mutable state and may be shared by concurrent callers.
type Engine struct {
	provider        provider.Interface
	providerName    string
	model           string
	rubric          rubric.Rubric
	sampling        provider.Sampling
	requireQuotes   bool
	maxQuoteRetries int
	retryConfig     retry.Config
	callTimeout     time.Duration
	genai           *metrics.GenAI
	now             func() time.Time
	schema          *jsonschema.Schema
}

// Option configures an Engine.
type Option func(*Engine) error

// WithProviderName labels logs and metrics with the provider's name.
func WithProviderName(name string) Option {
	return func(e *Engine) error {
		e.providerName = name
		return nil
	}
}

// WithSampling sets the sampling overrides sent with every call.
func WithSampling(s provider.Sampling) Option {
	return func(e *Engine) error {
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			return fmt.Errorf("temperature must be between 0 and 2, got %v", *s.Temperature)
		}
		if s.TopP != nil && (*s.TopP <= 0 || *s.TopP > 1) {
			return fmt.Errorf("top_p must be in (0, 1], got %v", *s.TopP)
		}
		if s.MaxTokens != nil && *s.MaxTokens <= 0 {
			return fmt.Errorf("max_tokens must be positive, got %d", *s.MaxTokens)
		}
		e.sampling = s
		return nil
	}
}

// WithRequireQuotes makes the engine re-prompt when a grade cites no
// verifiable quote.
func WithRequireQuotes(require bool) Option {
	return func(e *Engine) error {
		e.requireQuotes = require
		return nil
	}
}

// WithMaxQuoteRetries sets the quote re-prompt budget.
func WithMaxQuoteRetries(n int) Option {
	return func(e *Engine) error {
		if n < 0 {
			return errors.New("max quote retries cannot be negative")
		}
		e.maxQuoteRetries = n
		return nil
	}
}

// WithRetryConfig sets the backoff used for transient provider failures.
func WithRetryConfig(cfg retry.Config) Option {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid retry config: %w", err)
		}
		e.retryConfig = cfg
		return nil
	}
}

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return errors.New("call timeout must be positive")
		}
		e.callTimeout = d
		return nil
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// New creates an Engine that grades with model on p against r.
func New(p provider.Interface, r rubric.Rubric, model string, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if model == "" {
		return nil, errors.New("model is required")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		provider:        p,
		providerName:    "unknown",
		model:           model,
		rubric:          r,
		maxQuoteRetries: DefaultMaxQuoteRetries,
		retryConfig:     retry.DefaultConfig(),
		callTimeout:     DefaultCallTimeout,
		genai:           metrics.NewGenAI(metrics.MeterName),
		now:             time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	e.schema = responseSchema(r.GradeType)
	return e, nil
}

// Rubric returns the rubric the engine grades against.
func (e *Engine) Rubric() rubric.Rubric { return e.rubric }

// run is the per-call state of one Grade invocation.
type run struct {
	state            State
	kind             promptKind
	prompt           string
	completion       *provider.Completion
	providerAttempts int
	malformedLeft    int
	quoteRetriesLeft int
	best             *grades.Entry
	out              Outcome
}

// Grade grades t, which the caller identifies as id.
func (e *Engine) Grade(ctx context.Context, id int, t *transcript.Transcript) (out Outcome) {
	tr := otel.Tracer(metrics.MeterName, oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "grading.item", oteltrace.WithAttributes(
		attribute.Int("sample_id", id),
		attribute.String("metric", e.rubric.Name),
		attribute.String("provider", e.providerName),
		attribute.String("model", e.model),
	))
	log := clog.FromContext(ctx).With("sample_id", id).With("metric", e.rubric.Name)
	ctx = clog.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{ID: id, Err: fmt.Errorf("internal error grading sample %d: %v", id, r)}
		}
		span.SetAttributes(attribute.Int("calls", out.Calls), attribute.Int("quote_retries", out.QuoteRetries))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		} else {
			span.SetAttributes(attribute.Bool("grounded", out.Entry.Grounded()))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	r := &run{
		state:            Building,
		kind:             initialPrompt,
		malformedLeft:    malformedRetries,
		quoteRetriesLeft: e.maxQuoteRetries,
		out:              Outcome{ID: id},
	}
	if t == nil {
		r.out.Err = errors.New("transcript is missing")
		return r.out
	}

	for r.state != Done {
		switch r.state {
		case Building:
			e.building(ctx, r, t)
		case AwaitingCompletion:
			e.awaitingCompletion(ctx, r)
		case Validating:
			e.validating(ctx, r, t)
		case RetryingForQuotes:
			e.retryingForQuotes(ctx, r)
		}
	}
	return r.out
}

func (e *Engine) building(ctx context.Context, r *run, t *transcript.Transcript) {
	prompt, err := e.buildPrompt(t, r.kind)
	if err != nil {
		e.fail(ctx, r, fmt.Errorf("building prompt: %w", err))
		return
	}
	r.prompt = prompt
	r.state = AwaitingCompletion
}

func (e *Engine) awaitingCompletion(ctx context.Context, r *run) {
	r.out.Calls++
	completion, err := e.complete(ctx, r.prompt)
	if err == nil {
		r.completion = completion
		r.providerAttempts = 0
		r.state = Validating
		return
	}

	log := clog.FromContext(ctx).With("error", err.Error()).With("attempt", r.out.Calls)
	kind := provider.KindOf(err)
	switch {
	case kind == provider.KindMalformed && r.malformedLeft > 0:
		r.malformedLeft--
		metrics.ObserveRetry(e.providerName, kind.String())
		log.Warn("Malformed completion, retrying once")
		r.state = Building
		return

	case kind.Retryable() && kind != provider.KindMalformed && r.providerAttempts < e.retryConfig.MaxRetries:
		wait := e.retryConfig.Backoff(r.providerAttempts)
		r.providerAttempts++
		metrics.ObserveRetry(e.providerName, kind.String())
		log.With("backoff", wait).With("kind", kind.String()).Warn("Transient provider failure, retrying")
		if err := retry.Sleep(ctx, wait); err != nil {
			e.fail(ctx, r, fmt.Errorf("waiting to retry: %w", err))
			return
		}
		r.state = Building
		return
	}

	e.fail(ctx, r, fmt.Errorf("calling %s: %w", e.providerName, err))
}

func (e *Engine) complete(ctx context.Context, prompt string) (*provider.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	completion, err := e.provider.Complete(ctx, &provider.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Model:        e.model,
		Sampling:     e.sampling,
	})
	if err != nil {
		e.genai.RecordCall(ctx, e.model, provider.KindOf(err).String())
		return nil, err
	}
	if completion == nil {
		return nil, provider.Malformed(e.providerName, "provider returned no completion")
	}
	model := completion.Model
	if model == "" {
		model = e.model
	}
	e.genai.RecordCall(ctx, model, "ok")
	e.genai.RecordTokens(ctx, model, completion.InputTokens, completion.OutputTokens)
	return completion, nil
}

func (e *Engine) validating(ctx context.Context, r *run, t *transcript.Transcript) {
	entry, err := e.parse(r.completion, t)
	switch {
	case errors.Is(err, errMalformed) && r.malformedLeft > 0:
		r.malformedLeft--
		metrics.ObserveRetry(e.providerName, provider.KindMalformed.String())
		clog.FromContext(ctx).With("error", err.Error()).Warn("Unparseable grading response, retrying once")
		r.state = Building
		return
	case err != nil:
		e.fail(ctx, r, err)
		return
	}

	if e.requireQuotes && !entry.Grounded() && r.quoteRetriesLeft > 0 {
		r.best = &entry
		r.state = RetryingForQuotes
		return
	}
	e.succeed(ctx, r, entry)
}

func (e *Engine) retryingForQuotes(ctx context.Context, r *run) {
	r.quoteRetriesLeft--
	r.out.QuoteRetries++
	r.kind = quoteRetryPrompt
	metrics.ObserveRetry(e.providerName, "quotes")
	clog.FromContext(ctx).With("remaining", r.quoteRetriesLeft).Info("No verifiable quotes, re-prompting")
	r.state = Building
}

func (e *Engine) succeed(ctx context.Context, r *run, entry grades.Entry) {
	if !entry.Grounded() {
		metrics.ObserveUngrounded(e.providerName, e.rubric.Name)
		if e.requireQuotes {
			clog.FromContext(ctx).Warn("Accepting grade without verifiable quotes")
		}
	}
	r.out.Entry = entry
	r.out.Err = nil
	r.state = Done
}

// fail ends the run. A grade already accepted before a quote re-prompt is
// kept in preference to the failure.
func (e *Engine) fail(ctx context.Context, r *run, err error) {
	if r.best != nil {
		clog.FromContext(ctx).With("error", err.Error()).Warn("Quote re-prompt failed, keeping earlier grade")
		e.succeed(ctx, r, *r.best)
		return
	}
	r.out.Err = err
	r.state = Done
}
