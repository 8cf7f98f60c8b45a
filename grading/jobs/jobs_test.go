/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package jobs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/engine"
	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/require"
)

type opener struct {
	keys provider.Keys
}

func (o opener) Open(_ context.Context, name, apiKey string) (provider.Interface, error) {
	if _, err := o.keys.Resolve(name, apiKey); err != nil {
		return nil, err
	}
	return provider.Func(func(context.Context, *provider.Request) (*provider.Completion, error) {
		return nil, errors.New("not called")
	}), nil
}

type loader map[string][]transcript.Transcript

func (l loader) Transcripts(_ context.Context, loc string) ([]transcript.Transcript, error) {
	ts, ok := l[loc]
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", loc, storage.ErrNotFound)
	}
	return ts, nil
}

func newPlanner(t *testing.T, opts ...jobs.Option) *jobs.Planner {
	t.Helper()
	cat, err := rubric.OpenCatalog(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	ts := make([]transcript.Transcript, 3)
	for i := range ts {
		ts[i] = transcript.Transcript{Messages: []transcript.Message{{Role: transcript.RoleUser, Content: fmt.Sprint("q", i)}}}
	}
	p, err := jobs.NewPlanner(
		opener{keys: provider.Keys{provider.OpenAI: "sk-server"}},
		cat,
		loader{"/data/run.jsonl": ts},
		opts...)
	require.NoError(t, err)
	return p
}

func valid() jobs.Request {
	return jobs.Request{
		FilePath:   "/data/run.jsonl",
		SampleIDs:  []int{2, 0},
		MetricName: "helpfulness",
		Provider:   provider.OpenAI,
		Model:      "gpt-4o",
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	p := newPlanner(t)
	job, err := p.Plan(t.Context(), "job-1", valid())
	require.NoError(t, err)

	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "helpfulness", job.Metric)
	require.Equal(t, provider.OpenAI, job.Provider)
	require.Equal(t, jobs.DefaultParallel, job.Concurrency)
	require.Len(t, job.Items, 2)
	if job.Items[0].ID != 2 || job.Items[0].Transcript.Messages[0].Content != "q2" {
		t.Errorf("Items[0] got = %d %+v", job.Items[0].ID, job.Items[0].Transcript)
	}

	eng, ok := job.Grader.(*engine.Engine)
	require.True(t, ok, "Grader got = %T", job.Grader)
	if got := eng.Rubric(); !got.Builtin || got.Version != "v1" {
		t.Errorf("Rubric() got = %+v", got)
	}
}

func TestPlanLogsJobIDOnce(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := clog.New(slog.NewJSONHandler(&buf, nil)).With("job_id", "job-1")
	ctx := clog.WithLogger(t.Context(), log)

	_, err := newPlanner(t).Plan(ctx, "job-1", valid())
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Planned grading job")
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if got := strings.Count(line, `"job_id"`); got != 1 {
			t.Errorf("job_id count got = %d, wanted = 1 in %s", got, line)
		}
	}
}

func TestPlanAdHocRubric(t *testing.T) {
	t.Parallel()

	p := newPlanner(t, jobs.WithDefaultParallel(3))
	req := valid()
	req.MetricName = "politeness"
	req.MetricPrompt = "Count the polite phrases."
	req.GradeType = "int"
	req.Provider = provider.Anthropic
	req.Model = "claude-haiku-4-5"
	req.APIKey = "ant-request"

	job, err := p.Plan(t.Context(), "job-2", req)
	require.NoError(t, err)
	require.Equal(t, 3, job.Concurrency)

	r := job.Grader.(*engine.Engine).Rubric()
	if r.GradeType != rubric.GradeInt || !strings.HasPrefix(r.Version, "adhoc-") {
		t.Errorf("Rubric() got = %+v", r)
	}
}

func TestPlanPreflight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*jobs.Request)
	}{
		{"unknown provider", func(r *jobs.Request) { r.Provider = "bedrock" }},
		{"unknown model", func(r *jobs.Request) { r.Model = "gpt-2" }},
		{"no samples", func(r *jobs.Request) { r.SampleIDs = nil }},
		{"parallel too high", func(r *jobs.Request) { r.ParallelSize = 501 }},
		{"parallel negative", func(r *jobs.Request) { r.ParallelSize = -1 }},
		{"unknown rubric", func(r *jobs.Request) { r.MetricName = "nonexistent" }},
		{"missing metric name", func(r *jobs.Request) { r.MetricName = "" }},
		{"bad grade type", func(r *jobs.Request) { r.MetricPrompt = "x"; r.GradeType = "letter" }},
		{"sample out of range", func(r *jobs.Request) { r.SampleIDs = []int{0, 3} }},
		{"negative sample", func(r *jobs.Request) { r.SampleIDs = []int{-1} }},
		{"duplicate sample", func(r *jobs.Request) { r.SampleIDs = []int{1, 1} }},
		{"no credentials", func(r *jobs.Request) { r.Provider = provider.Google; r.Model = "gemini-2.5-flash" }},
		{"missing file", func(r *jobs.Request) { r.FilePath = "/data/other.jsonl" }},
		{"bad temperature", func(r *jobs.Request) { r.Temperature = provider.Float64(3) }},
		{"negative quote retries", func(r *jobs.Request) { n := -1; r.MaxQuoteRetries = &n }},
	}

	p := newPlanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := valid()
			tt.modify(&req)
			if _, err := p.Plan(t.Context(), "job", req); !errors.Is(err, coordinator.ErrPreflight) {
				t.Errorf("Plan() error = %v, wanted ErrPreflight", err)
			}
		})
	}
}

func TestNewPlannerValidation(t *testing.T) {
	t.Parallel()

	if _, err := jobs.NewPlanner(nil, nil, nil); err == nil {
		t.Error("NewPlanner(nil...) should fail")
	}
	cat, err := rubric.OpenCatalog(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	if _, err := jobs.NewPlanner(opener{}, cat, loader{}, jobs.WithDefaultParallel(0)); err == nil {
		t.Error("WithDefaultParallel(0) should fail")
	}
	if _, err := jobs.NewPlanner(opener{}, cat, loader{}, jobs.WithCallTimeout(0)); err == nil {
		t.Error("WithCallTimeout(0) should fail")
	}
}
