/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeprovider_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/provider/claudeprovider"
	"github.com/stretchr/testify/require"
)

func fakeAnthropic(t *testing.T, status int, response string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path got = %s, wanted = /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "ant-test" {
			t.Errorf("x-api-key got = %q", got)
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	t.Parallel()

	body := map[string]any{}
	srv := fakeAnthropic(t, http.StatusOK, `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-5-20250929",
  "content": [{"type": "text", "text": "{\"grade\": 4}"}],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 20, "output_tokens": 7}
}`, &body)

	p, err := claudeprovider.New("ant-test", claudeprovider.WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	got, err := p.Complete(t.Context(), &provider.Request{
		SystemPrompt: "be strict",
		UserPrompt:   "grade this",
		Model:        "claude-sonnet-4-5",
		Sampling: provider.Sampling{
			Temperature: provider.Float64(0.3),
			TopP:        provider.Float64(0.8),
		},
	})
	require.NoError(t, err)

	require.Equal(t, `{"grade": 4}`, got.Text)
	require.Equal(t, "claude-sonnet-4-5-20250929", got.Model)
	require.Equal(t, int64(20), got.InputTokens)
	require.Equal(t, int64(7), got.OutputTokens)
	require.False(t, got.StructuredJSON)

	if got := body["max_tokens"]; got != float64(2048) {
		t.Errorf("max_tokens got = %v, wanted default 2048", got)
	}
	if got := body["temperature"]; got != 0.3 {
		t.Errorf("temperature got = %v, wanted = 0.3", got)
	}
	if _, ok := body["top_p"]; ok {
		t.Error("top_p should be dropped when temperature is set on this model")
	}
	system, _ := body["system"].([]any)
	if len(system) != 1 {
		t.Errorf("system got = %v, wanted one text block", body["system"])
	}
}

func TestCompleteErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		response string
		want     provider.Kind
	}{{
		name:     "bad key",
		status:   http.StatusUnauthorized,
		response: `{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`,
		want:     provider.KindAuth,
	}, {
		name:     "overloaded",
		status:   529,
		response: `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`,
		want:     provider.KindRateLimited,
	}, {
		name:     "bad request",
		status:   http.StatusBadRequest,
		response: `{"type": "error", "error": {"type": "invalid_request_error", "message": "bad model"}}`,
		want:     provider.KindInvalid,
	}, {
		name:   "no text",
		status: http.StatusOK,
		response: `{"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-haiku-4-5",
  "content": [], "stop_reason": "max_tokens", "usage": {"input_tokens": 1, "output_tokens": 0}}`,
		want: provider.KindMalformed,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := fakeAnthropic(t, tt.status, tt.response, nil)
			p, err := claudeprovider.New("ant-test", claudeprovider.WithBaseURL(srv.URL+"/"))
			require.NoError(t, err)

			_, err = p.Complete(t.Context(), &provider.Request{UserPrompt: "x", Model: "claude-haiku-4-5"})
			var perr *provider.Error
			require.True(t, errors.As(err, &perr), "error = %v", err)
			if perr.Kind != tt.want {
				t.Errorf("Kind got = %s, wanted = %s", perr.Kind, tt.want)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := claudeprovider.New(""); !errors.Is(err, provider.ErrNoCredentials) {
		t.Errorf("New(\"\") error = %v, wanted ErrNoCredentials", err)
	}
}
