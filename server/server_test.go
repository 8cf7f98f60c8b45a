/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/retry"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/sidestore"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const rollouts = `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello there"}],"attributes":{"experiment_name":"exp-1"}}
{"messages":[{"role":"user","content":"help me"},{"role":"assistant","content":"hello, sure"}],"attributes":{"experiment_name":"exp-1","validate":true}}
`

// fakeProviders grades every transcript 0.8, quoting "hello" from message 1.
type fakeProviders struct {
	keys provider.Keys
}

func (f fakeProviders) Open(_ context.Context, name, apiKey string) (provider.Interface, error) {
	if _, err := f.keys.Resolve(name, apiKey); err != nil {
		return nil, err
	}
	return provider.Func(func(context.Context, *provider.Request) (*provider.Completion, error) {
		return &provider.Completion{
			Text:  `{"grade": 0.8, "explanation": "greets the user", "quotes": [{"message_index": 1, "text": "hello"}]}`,
			Model: "gpt-4o-2024-08-06",
		}, nil
	}), nil
}

func (f fakeProviders) Available() map[string]bool {
	return f.keys.Available()
}

type fixture struct {
	dir     string
	file    string
	handler http.Handler
	server  *Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "run.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(rollouts), 0o644))

	st, err := storage.New()
	require.NoError(t, err)
	side := sidestore.New(st)

	cat, err := rubric.OpenCatalog(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	providers := fakeProviders{keys: provider.Keys{provider.OpenAI: "sk-server"}}
	planner, err := jobs.NewPlanner(providers, cat, side,
		jobs.WithRetryConfig(retry.Config{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	require.NoError(t, err)

	s, err := New(side, cat, planner, append([]Option{WithAvailability(providers)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Wait)
	return &fixture{dir: dir, file: file, handler: s.Handler(), server: s}
}

func (f *fixture) do(t *testing.T, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequestWithContext(t.Context(), method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

type sseEvent struct {
	name string
	data map[string]any
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &cur.data))
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	if cur.name != "" {
		out = append(out, cur)
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health got = %d, wanted = 200", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics got = %d", rec.Code)
	}
}

func TestBrowse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/contents?location="+f.dir, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listing := decode[sidestore.Listing](t, rec)
	if len(listing.Files) != 1 || listing.Files[0].Name != "run.jsonl" || listing.Files[0].Graded {
		t.Errorf("contents got = %+v", listing)
	}

	rec = f.do(t, http.MethodGet, "/api/samples?file="+f.file, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	samples := decode[samplesResponse](t, rec)
	require.Equal(t, 2, samples.Total)
	require.Equal(t, "exp-1", samples.ExperimentName)
	require.False(t, samples.HasGrades)
	require.True(t, samples.Samples[1].Attributes.Validate)

	rec = f.do(t, http.MethodGet, "/api/samples/1?file="+f.file, "")
	require.Equal(t, http.StatusOK, rec.Code)
	if got := decode[sidestore.Sample](t, rec); got.ID != 1 || got.Messages[0].Content != "help me" {
		t.Errorf("sample got = %+v", got)
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/samples/9?file=" + f.file, http.StatusNotFound},
		{"/api/samples/x?file=" + f.file, http.StatusBadRequest},
		{"/api/samples/0", http.StatusBadRequest},
		{"/api/samples", http.StatusBadRequest},
		{"/api/samples?file=" + filepath.Join(f.dir, "missing.jsonl"), http.StatusNotFound},
		{"/api/samples?file=gs://bucket/run.jsonl", http.StatusBadRequest},
		{"/api/contents?location=ftp://host/dir", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := f.do(t, http.MethodGet, tt.target, ""); rec.Code != tt.want {
			t.Errorf("GET %s got = %d, wanted = %d (%s)", tt.target, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestGradeAndSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := `{"file_path": "` + f.file + `", "sample_ids": [0, 1], "metric_name": "helpfulness",
"provider": "openai", "model": "gpt-4o", "parallel_size": 2}`

	rec := f.do(t, http.MethodPost, "/api/grade", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Job-Id"))

	events := parseEvents(t, rec.Body.String())
	var names []string
	for _, e := range events {
		names = append(names, e.name)
		if e.data["type"] != e.name {
			t.Errorf("event %q carries type %v", e.name, e.data["type"])
		}
	}
	if diff := cmp.Diff([]string{"progress", "progress", "complete"}, names); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if got := events[1].data["completed"]; got != float64(2) {
		t.Errorf("final progress got = %v, wanted = 2", got)
	}

	done := events[2].data
	if done["graded_count"] != float64(2) || done["cancelled"] != false {
		t.Errorf("complete event got = %v", done)
	}
	gradesByID, _ := done["grades"].(map[string]any)
	entry, _ := gradesByID["0"].(map[string]any)
	if entry["grade"] != 0.8 || entry["model"] != "gpt-4o-2024-08-06" || entry["prompt_version"] != "v1" {
		t.Errorf("grade entry got = %v", entry)
	}
	quotes, _ := entry["quotes"].([]any)
	if len(quotes) != 1 {
		t.Fatalf("quotes got = %v", entry["quotes"])
	}
	q := quotes[0].(map[string]any)
	if q["start"] != float64(0) || q["end"] != float64(5) || q["text"] != "hello" {
		t.Errorf("quote got = %v", q)
	}

	// Save the streamed grades exactly as a client would.
	grades, err := json.Marshal(map[string]any{"0": map[string]any{"helpfulness": gradesByID["0"]}, "1": map[string]any{"helpfulness": gradesByID["1"]}})
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/save-graded", `{"file_path": "`+f.file+`", "grades": `+string(grades)+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[map[string]any](t, rec)
	if saved["viz_path"] != filepath.Join(f.dir, "viz", "run.jsonl") || saved["samples_updated"] != float64(2) {
		t.Errorf("save got = %v", saved)
	}

	rec = f.do(t, http.MethodGet, "/api/samples?file="+f.file, "")
	samples := decode[samplesResponse](t, rec)
	require.True(t, samples.HasGrades)
	latest, ok := samples.Samples[0].Grades.Latest("helpfulness")
	require.True(t, ok)
	if got, _ := latest.Grade.AsFloat(); got != 0.8 {
		t.Errorf("saved grade got = %v, wanted = 0.8", latest.Grade)
	}
}

func TestGradeRejectsBeforeStreaming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"file_path": `},
		{"no credentials", `{"file_path": "` + f.file + `", "sample_ids": [0], "metric_name": "helpfulness", "provider": "anthropic", "model": "claude-haiku-4-5"}`},
		{"unknown rubric", `{"file_path": "` + f.file + `", "sample_ids": [0], "metric_name": "nope", "provider": "openai", "model": "gpt-4o"}`},
		{"out of range", `{"file_path": "` + f.file + `", "sample_ids": [5], "metric_name": "helpfulness", "provider": "openai", "model": "gpt-4o"}`},
		{"too parallel", `{"file_path": "` + f.file + `", "sample_ids": [0], "metric_name": "helpfulness", "provider": "openai", "model": "gpt-4o", "parallel_size": 501}`},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/api/grade", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status got = %d, wanted = 400", tt.name, rec.Code)
			continue
		}
		if got := decode[map[string]string](t, rec)["error"]; got == "" {
			t.Errorf("%s: error body missing", tt.name)
		}
	}
}

func TestRubricCRUD(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	create := `{"name": "politeness", "prompt": "Is the assistant polite?", "grade_type": "bool"}`

	rec := f.do(t, http.MethodPost, "/api/rubrics", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if got := decode[rubric.Rubric](t, rec); got.Version != "v1" || got.DisplayName != "politeness" {
		t.Errorf("created got = %+v", got)
	}

	steps := []struct {
		method, target, body string
		want                 int
	}{
		{http.MethodPost, "/api/rubrics", create, http.StatusConflict},
		{http.MethodPost, "/api/rubrics", `{"name": "bad name!", "prompt": "x", "grade_type": "bool"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/rubrics", `{"name": "typed", "prompt": "x", "grade_type": "letter"}`, http.StatusBadRequest},
		{http.MethodPut, "/api/rubrics/helpfulness", `{"prompt": "x", "grade_type": "float"}`, http.StatusConflict},
		{http.MethodDelete, "/api/rubrics/safety", "", http.StatusConflict},
		{http.MethodGet, "/api/rubrics/politeness", "", http.StatusOK},
		{http.MethodDelete, "/api/rubrics/politeness", "", http.StatusNoContent},
		{http.MethodGet, "/api/rubrics/politeness", "", http.StatusNotFound},
		{http.MethodDelete, "/api/rubrics/politeness", "", http.StatusNotFound},
	}

	rec = f.do(t, http.MethodPut, "/api/rubrics/politeness", `{"prompt": "Is the assistant courteous?", "grade_type": "bool"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	if got := decode[rubric.Rubric](t, rec); got.Version != "v2" || got.Prompt != "Is the assistant courteous?" {
		t.Errorf("updated got = %+v", got)
	}

	for _, s := range steps {
		if rec := f.do(t, s.method, s.target, s.body); rec.Code != s.want {
			t.Errorf("%s %s got = %d, wanted = %d (%s)", s.method, s.target, rec.Code, s.want, rec.Body.String())
		}
	}

	rec = f.do(t, http.MethodGet, "/api/rubrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	if got := decode[[]rubric.Rubric](t, rec); len(got) != len(rubric.Presets()) {
		t.Errorf("list got = %d rubrics, wanted = %d", len(got), len(rubric.Presets()))
	}
}

func TestProviderListings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	models := decode[map[string][]string](t, f.do(t, http.MethodGet, "/api/providers", ""))
	for _, name := range provider.Names() {
		if len(models[name]) == 0 {
			t.Errorf("providers[%s] is empty", name)
		}
	}

	keys := decode[map[string]bool](t, f.do(t, http.MethodGet, "/api/available-api-keys", ""))
	want := map[string]bool{provider.OpenAI: true, provider.Anthropic: false, provider.Google: false, provider.OpenRouter: false}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("available keys (-want +got):\n%s", diff)
	}

	presets := decode[map[string]presetMetric](t, f.do(t, http.MethodGet, "/api/preset-metrics", ""))
	if p, ok := presets["helpfulness"]; !ok || p.GradeType != rubric.GradeFloat || p.Prompt == "" {
		t.Errorf("preset-metrics[helpfulness] got = %+v", p)
	}
}

func TestAuthGate(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	auth, err := NewAuth(string(hash), strings.Repeat("s", 32), time.Hour)
	require.NoError(t, err)
	f := newFixture(t, WithAuth(auth))

	if rec := f.do(t, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health got = %d, wanted = 200 without a session", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/providers", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("providers got = %d, wanted = 401", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/login", `{"password": "wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login got = %d, wanted = 401", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/login", `{"password": "hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	require.True(t, session.HttpOnly)

	if rec := f.do(t, http.MethodGet, "/api/providers", "", session); rec.Code != http.StatusOK {
		t.Errorf("providers with session got = %d, wanted = 200", rec.Code)
	}
	forged := &http.Cookie{Name: SessionCookie, Value: session.Value + "x"}
	if rec := f.do(t, http.MethodGet, "/api/providers", "", forged); rec.Code != http.StatusUnauthorized {
		t.Errorf("providers with forged session got = %d, wanted = 401", rec.Code)
	}

	// Sessions expire.
	auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := auth.Verify(session.Value); err == nil {
		t.Error("Verify() should reject an expired session")
	}
}

func TestNewAuthValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewAuth("plaintext", strings.Repeat("s", 32), 0); err == nil {
		t.Error("NewAuth should reject a non-bcrypt hash")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	if _, err := NewAuth(string(hash), "short", 0); err == nil {
		t.Error("NewAuth should reject a short secret")
	}
}
