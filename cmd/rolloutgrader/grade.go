/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"io"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/progress"
	"chainguard.dev/rolloutgrader/report"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type gradeFlags struct {
	metric          string
	prompt          string
	gradeType       string
	provider        string
	model           string
	apiKey          string
	samples         []int
	parallel        int
	noQuotes        bool
	maxQuoteRetries int
	temperature     float64
	maxTokens       int64
	save            bool
}

func newGradeCommand() *cobra.Command {
	var f gradeFlags
	cmd := &cobra.Command{
		Use:   "grade FILE",
		Short: "Grade a rollout file and print a markdown report",
		Long: `Grade the transcripts of a JSONL rollout file and print a markdown report.

FILE is a local path, s3://bucket/key or gs://bucket/key. Every sample is
graded unless --samples selects some. With --save the grades are merged into
the file's viz/ copy, as the web interface does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := processConfig(ctx)
			if err != nil {
				return err
			}
			req := f.request(args[0])
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &f.temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &f.maxTokens
			}
			if cmd.Flags().Changed("max-quote-retries") {
				req.MaxQuoteRetries = &f.maxQuoteRetries
			}
			return grade(ctx, cfg, req, f.save, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.metric, "metric", "helpfulness", "rubric to grade against")
	flags.StringVar(&f.prompt, "prompt", "", "grade against this ad-hoc rubric prompt instead of a stored rubric")
	flags.StringVar(&f.gradeType, "grade-type", "", "grade type of an ad-hoc rubric: float, int or bool")
	flags.StringVar(&f.provider, "provider", "openai", "LLM provider")
	flags.StringVar(&f.model, "model", "gpt-4o-mini", "model to grade with")
	flags.StringVar(&f.apiKey, "api-key", "", "API key, overriding the environment")
	flags.IntSliceVar(&f.samples, "samples", nil, "sample IDs to grade (default all)")
	flags.IntVar(&f.parallel, "parallel", 0, "transcripts graded at once (default MAX_PARALLEL)")
	flags.BoolVar(&f.noQuotes, "no-quotes", false, "accept grades without supporting quotes")
	flags.IntVar(&f.maxQuoteRetries, "max-quote-retries", 2, "re-prompts when quotes cannot be verified")
	flags.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	flags.Int64Var(&f.maxTokens, "max-tokens", 0, "completion token limit")
	flags.BoolVar(&f.save, "save", false, "merge the grades into the file's viz/ copy")
	return cmd
}

func (f gradeFlags) request(file string) jobs.Request {
	requireQuotes := !f.noQuotes
	return jobs.Request{
		FilePath:      file,
		SampleIDs:     f.samples,
		MetricName:    f.metric,
		MetricPrompt:  f.prompt,
		GradeType:     f.gradeType,
		Provider:      f.provider,
		Model:         f.model,
		APIKey:        f.apiKey,
		ParallelSize:  f.parallel,
		RequireQuotes: &requireQuotes,
	}
}

// terminalProgress reports progress on w, one line per event.
func terminalProgress(w io.Writer) progress.Sink {
	return progress.SinkFunc(func(_ context.Context, e progress.Event) error {
		switch e.Type {
		case progress.TypeProgress:
			_, err := fmt.Fprintf(w, "graded %d/%d\n", e.Completed, e.Total)
			return err
		case progress.TypeError:
			_, err := fmt.Fprintf(w, "error: %s\n", e.Message)
			return err
		}
		return nil
	})
}

func grade(ctx context.Context, cfg config, req jobs.Request, save bool, out, errOut io.Writer) error {
	d, err := cfg.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if len(req.SampleIDs) == 0 {
		ts, err := d.store.Transcripts(ctx, req.FilePath)
		if err != nil {
			return err
		}
		for id := range ts {
			req.SampleIDs = append(req.SampleIDs, id)
		}
	}

	id := uuid.NewString()
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("job_id", id))

	job, err := d.planner.Plan(ctx, id, req)
	if err != nil {
		return err
	}

	c := coordinator.New(coordinator.WithItemTimeout(cfg.ItemTimeout))
	defer c.Wait()

	res, err := c.Run(ctx, job, progress.NewGuard(terminalProgress(errOut)))
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, report.Markdown(res, job.Metric)); err != nil {
		return err
	}

	if !save {
		return nil
	}
	if res.Cancelled {
		// Results of a cancelled run are never persisted.
		fmt.Fprintln(errOut, "cancelled, nothing saved")
		return nil
	}
	if len(res.Succeeded) == 0 {
		fmt.Fprintln(errOut, "no grades, nothing saved")
		return nil
	}
	saved, err := d.store.SaveMetric(ctx, req.FilePath, job.Metric, res.Succeeded)
	if err != nil {
		return fmt.Errorf("saving grades: %w", err)
	}
	fmt.Fprintf(errOut, "saved %d samples to %s\n", saved.SamplesUpdated, saved.VizPath)
	return nil
}
