/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sidestore_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/quote"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/sidestore"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestVizPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/data/exp/run.jsonl", want: "/data/exp/viz/run.jsonl"},
		{in: "run.jsonl", want: "viz/run.jsonl"},
		{in: "s3://bucket/exp/run.jsonl", want: "s3://bucket/exp/viz/run.jsonl"},
		{in: "s3://bucket/run.jsonl", want: "s3://bucket/viz/run.jsonl"},
		{in: "gs://bucket/a/b/run.jsonl", want: "gs://bucket/a/b/viz/run.jsonl"},
		{in: "s3://bucket", wantErr: true},
		{in: "/data/exp/", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sidestore.VizPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("VizPath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("VizPath(%q) got = %q, wanted = %q", tt.in, got, tt.want)
		}
	}
}

const rollouts = `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello there"}],"attributes":{"step":3,"experiment_name":"exp-7","validate":true},"timestamp":"2026-01-02T03:04:05Z","extra":{"kept":true}}
{"messages":[{"role":"user","content":"bye"}],"attributes":{"step":4},"timestamp":"2026-01-02T03:05:05Z"}
`

func setup(t *testing.T) (*sidestore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(rollouts), 0o644))

	s, err := storage.New()
	require.NoError(t, err)
	return sidestore.New(s), path
}

func entry(grade float64, explanation string) grades.Entry {
	return grades.Entry{
		Grade:         rubric.Float(grade),
		GradeType:     rubric.GradeFloat,
		Quotes:        []quote.Quote{{MessageIndex: 1, Start: 0, End: 5, Text: "hello"}},
		Explanation:   explanation,
		Model:         "gpt-4o",
		PromptVersion: "v1",
		Timestamp:     "2026-01-02T03:04:05Z",
	}
}

func TestLoadOriginal(t *testing.T) {
	t.Parallel()

	s, path := setup(t)
	f, err := s.Load(t.Context(), path)
	require.NoError(t, err)

	require.Equal(t, path, f.Source)
	require.False(t, f.HasGrades)
	require.Equal(t, "exp-7", f.ExperimentName)
	require.Len(t, f.Samples, 2)
	if !f.Samples[0].Attributes.Validate || f.Samples[0].Attributes.Step != 3 {
		t.Errorf("attributes got = %+v", f.Samples[0].Attributes)
	}
	if f.Samples[1].ID != 1 || f.Samples[1].Attributes.DataSource != "unknown" {
		t.Errorf("sample 1 got = %+v", f.Samples[1])
	}
}

func TestSaveMergesIntoViz(t *testing.T) {
	t.Parallel()

	s, path := setup(t)
	ctx := t.Context()

	res, err := s.SaveMetric(ctx, path, "helpfulness", map[int]grades.Entry{
		0: entry(0.75, "first"),
		9: entry(0.1, "out of range"),
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(filepath.Dir(path), "viz", "run.jsonl"), res.VizPath)
	require.Equal(t, 1, res.SamplesUpdated)
	if diff := cmp.Diff([]int{9}, res.Skipped); diff != "" {
		t.Errorf("Skipped (-want +got):\n%s", diff)
	}

	// The original is never written.
	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, rollouts, string(orig))

	// A second save appends rather than replaces, and other metrics are kept.
	_, err = s.Save(ctx, path, map[int]map[string]grades.Entry{
		0: {"helpfulness": entry(0.5, "second")},
		1: {"safety": {Grade: rubric.Bool(true), GradeType: rubric.GradeBool, Explanation: "fine", Model: "gpt-4o", PromptVersion: "v1"}},
	})
	require.NoError(t, err)

	f, err := s.Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, res.VizPath, f.Source)
	require.True(t, f.HasGrades)

	help := f.Samples[0].Grades["helpfulness"]
	require.Len(t, help, 2)
	if help[0].Explanation != "first" || help[1].Explanation != "second" {
		t.Errorf("helpfulness history got = %q, %q", help[0].Explanation, help[1].Explanation)
	}
	if got, ok := help[0].Grade.AsFloat(); !ok || got != 0.75 {
		t.Errorf("grade got = %v (%v), wanted 0.75", got, ok)
	}
	if diff := cmp.Diff([]quote.Quote{{MessageIndex: 1, Start: 0, End: 5, Text: "hello"}}, help[0].Quotes); diff != "" {
		t.Errorf("quotes (-want +got):\n%s", diff)
	}
	safety, ok := f.Samples[1].Grades.Latest("safety")
	if !ok {
		t.Fatal("safety grade missing from sample 1")
	}
	if got, ok := safety.Grade.AsBool(); !ok || !got {
		t.Errorf("safety grade got = %v", safety.Grade)
	}
	if len(f.Histories()) != 2 {
		t.Errorf("Histories() got = %d samples, wanted = 2", len(f.Histories()))
	}

	// Fields this package does not model survive the rewrite.
	viz, err := os.ReadFile(res.VizPath)
	require.NoError(t, err)
	if !bytes.Contains(viz, []byte(`"extra":{"kept":true}`)) {
		t.Errorf("viz copy lost unknown fields:\n%s", viz)
	}
	if got := strings.Count(string(viz), "\n"); got != 2 {
		t.Errorf("viz lines got = %d, wanted = 2", got)
	}
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()

	s, path := setup(t)
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveMetric(t.Context(), path, "helpfulness", map[int]grades.Entry{
				0: entry(0.5, fmt.Sprint(i)),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	f, err := s.Load(t.Context(), path)
	require.NoError(t, err)
	if got := len(f.Samples[0].Grades["helpfulness"]); got != n {
		t.Errorf("history length got = %d, wanted = %d", got, n)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	s, path := setup(t)
	_, err := s.Load(t.Context(), filepath.Join(filepath.Dir(path), "nope.jsonl"))
	if !sidestore.IsNotFound(err) {
		t.Errorf("Load() error = %v, wanted not found", err)
	}
	_, err = s.Save(t.Context(), filepath.Join(filepath.Dir(path), "nope.jsonl"), nil)
	if !sidestore.IsNotFound(err) {
		t.Errorf("Save() error = %v, wanted not found", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	s, path := setup(t)
	dir := filepath.Dir(path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Other.jsonl"), []byte("{}\n"), 0o644))
	_, err := s.SaveMetric(t.Context(), path, "helpfulness", map[int]grades.Entry{0: entry(1, "x")})
	require.NoError(t, err)

	got, err := s.List(t.Context(), dir)
	require.NoError(t, err)

	graded := map[string]bool{}
	for _, f := range got.Files {
		graded[f.Name] = f.Graded
	}
	if diff := cmp.Diff(map[string]bool{"Other.jsonl": false, "run.jsonl": true}, graded); diff != "" {
		t.Errorf("graded (-want +got):\n%s", diff)
	}
	if len(got.Folders) != 1 || got.Folders[0].Name != sidestore.VizDir {
		t.Errorf("folders got = %+v", got.Folders)
	}
}
