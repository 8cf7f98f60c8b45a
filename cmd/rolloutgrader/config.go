/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/provider/registry"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/sidestore"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/sethvargo/go-envconfig"
	"google.golang.org/api/option"
)

type config struct {
	Port            int           `env:"PORT,default=8080"`
	DataDir         string        `env:"DATA_DIR"`
	RubricDB        string        `env:"RUBRIC_DB,default=rubrics.db"`
	MaxParallel     int           `env:"MAX_PARALLEL,default=10"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT,default=2m"`
	ItemTimeout     time.Duration `env:"ITEM_TIMEOUT,default=10m"`

	OpenAIKey     string `env:"OPENAI_API_KEY"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	GoogleKey     string `env:"GOOGLE_API_KEY"`
	OpenRouterKey string `env:"OPENROUTER_API_KEY"`

	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	AnthropicBaseURL  string `env:"ANTHROPIC_BASE_URL"`
	GoogleBaseURL     string `env:"GOOGLE_BASE_URL"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL"`

	// Gemini is served from Vertex AI when no Google API key is set.
	VertexProject  string `env:"GOOGLE_CLOUD_PROJECT"`
	VertexLocation string `env:"GOOGLE_CLOUD_LOCATION,default=us-central1"`

	S3Endpoint   string `env:"S3_ENDPOINT"`
	S3Region     string `env:"S3_REGION"`
	S3UseSSL     bool   `env:"S3_USE_SSL,default=true"`
	S3PathStyle  bool   `env:"S3_PATH_STYLE,default=false"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey string `env:"AWS_SECRET_ACCESS_KEY"`

	GCSEnabled  bool   `env:"GCS_ENABLED,default=false"`
	GCSEndpoint string `env:"GCS_ENDPOINT"`

	AuthPasswordHash string        `env:"AUTH_PASSWORD_HASH"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	SessionTTL       time.Duration `env:"SESSION_TTL,default=12h"`

	GinMode string `env:"GIN_MODE,default=release"`
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (config, error) {
	var cfg config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return config{}, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.MaxParallel < coordinator.MinConcurrency || c.MaxParallel > coordinator.MaxConcurrency {
		return fmt.Errorf("MAX_PARALLEL must be between %d and %d, got %d",
			coordinator.MinConcurrency, coordinator.MaxConcurrency, c.MaxParallel)
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.ItemTimeout <= 0 {
		return errors.New("ITEM_TIMEOUT must be positive")
	}
	if (c.AuthPasswordHash == "") != (c.AuthSecret == "") {
		return errors.New("AUTH_PASSWORD_HASH and AUTH_SECRET must be set together")
	}
	return nil
}

func (c config) keys() provider.Keys {
	return provider.Keys{
		provider.OpenAI:     c.OpenAIKey,
		provider.Anthropic:  c.AnthropicKey,
		provider.Google:     c.GoogleKey,
		provider.OpenRouter: c.OpenRouterKey,
	}
}

func (c config) registry() *registry.Registry {
	var opts []registry.Option
	for name, u := range map[string]string{
		provider.OpenAI:     c.OpenAIBaseURL,
		provider.Anthropic:  c.AnthropicBaseURL,
		provider.Google:     c.GoogleBaseURL,
		provider.OpenRouter: c.OpenRouterBaseURL,
	} {
		if u != "" {
			opts = append(opts, registry.WithBaseURL(name, u))
		}
	}
	if c.VertexProject != "" {
		opts = append(opts, registry.WithVertexAI(c.VertexProject, c.VertexLocation))
	}
	return registry.New(c.keys(), opts...)
}

// deps is everything both commands grade with.
type deps struct {
	store     *sidestore.Store
	rubrics   *rubric.SQLCatalog
	providers *registry.Registry
	planner   *jobs.Planner
	closers   []io.Closer
}

func (d *deps) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (c config) storageOptions(ctx context.Context) ([]storage.Option, []io.Closer, error) {
	s3, err := storage.NewS3(storage.S3Config{
		Endpoint:  c.S3Endpoint,
		Region:    c.S3Region,
		AccessKey: c.AWSAccessKey,
		SecretKey: c.AWSSecretKey,
		UseSSL:    c.S3UseSSL,
		PathStyle: c.S3PathStyle,
	})
	if err != nil {
		return nil, nil, err
	}
	opts := []storage.Option{
		storage.WithBackend(storage.SchemeLocal, storage.NewLocal(c.DataDir)),
		storage.WithBackend(storage.SchemeS3, s3),
	}
	if !c.GCSEnabled {
		return opts, nil, nil
	}

	var gopts []option.ClientOption
	if c.GCSEndpoint != "" {
		// Emulators take no credentials.
		gopts = append(gopts, option.WithEndpoint(c.GCSEndpoint), option.WithoutAuthentication())
	}
	gcs, err := storage.NewGCS(ctx, gopts...)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, storage.WithBackend(storage.SchemeGCS, gcs)), []io.Closer{gcs}, nil
}

func (c config) open(ctx context.Context) (*deps, error) {
	sopts, closers, err := c.storageOptions(ctx)
	if err != nil {
		return nil, err
	}
	d := &deps{closers: closers}

	st, err := storage.New(sopts...)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.store = sidestore.New(st)

	d.rubrics, err = rubric.OpenCatalog(ctx, c.RubricDB)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.closers = append(d.closers, d.rubrics)

	d.providers = c.registry()
	d.planner, err = jobs.NewPlanner(d.providers, d.rubrics, d.store,
		jobs.WithDefaultParallel(c.MaxParallel),
		jobs.WithCallTimeout(c.ProviderTimeout),
	)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
