/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chainguard.dev/rolloutgrader/grading/rubric"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	t.Parallel()

	presets := rubric.Presets()
	want := map[string]rubric.GradeType{
		"helpfulness":     rubric.GradeFloat,
		"accuracy":        rubric.GradeBool,
		"safety":          rubric.GradeBool,
		"coherence":       rubric.GradeFloat,
		"task_completion": rubric.GradeBool,
	}
	require.Len(t, presets, len(want))
	for _, p := range presets {
		require.True(t, p.Builtin, "preset %q should be builtin", p.Name)
		require.Equal(t, "v1", p.Version)
		require.Equal(t, want[p.Name], p.GradeType, "preset %q", p.Name)
	}

	// Presets hands out copies.
	presets[0].Prompt = "changed"
	require.NotEqual(t, "changed", rubric.Presets()[0].Prompt)
}

func TestCatalogCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cat, err := rubric.OpenCatalog(ctx, filepath.Join(t.TempDir(), "rubrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	got, err := cat.Put(ctx, rubric.Rubric{
		Name:      "politeness",
		Prompt:    "Was the assistant polite?",
		GradeType: rubric.GradeBool,
	})
	require.NoError(t, err)
	require.Equal(t, "v1", got.Version)
	require.Equal(t, "politeness", got.DisplayName)

	got, err = cat.Put(ctx, rubric.Rubric{
		Name:      "politeness",
		Prompt:    "Rate politeness from 1 to 5.",
		GradeType: rubric.GradeInt,
	})
	require.NoError(t, err)
	require.Equal(t, "v2", got.Version)
	require.Equal(t, rubric.GradeInt, got.GradeType)

	all, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(rubric.Presets())+1)
	require.Equal(t, "politeness", all[len(all)-1].Name)

	require.NoError(t, cat.Delete(ctx, "politeness"))
	_, err = cat.Get(ctx, "politeness")
	require.True(t, errors.Is(err, rubric.ErrNotFound), "Get after delete: %v", err)
	require.True(t, errors.Is(cat.Delete(ctx, "politeness"), rubric.ErrNotFound))
}

func TestCatalogBuiltinsAreImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cat, err := rubric.OpenCatalog(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	r, err := cat.Get(ctx, "helpfulness")
	require.NoError(t, err)
	require.True(t, r.Builtin)

	_, err = cat.Put(ctx, rubric.Rubric{Name: "helpfulness", Prompt: "x", GradeType: rubric.GradeBool})
	require.ErrorIs(t, err, rubric.ErrBuiltin)
	require.ErrorIs(t, cat.Delete(ctx, "safety"), rubric.ErrBuiltin)
}

func TestRubricValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		r       rubric.Rubric
		wantErr bool
	}{
		{name: "ok", r: rubric.Rubric{Name: "a_b-1", Prompt: "p", GradeType: rubric.GradeFloat}},
		{name: "empty name", r: rubric.Rubric{Prompt: "p", GradeType: rubric.GradeFloat}, wantErr: true},
		{name: "bad name", r: rubric.Rubric{Name: "a b", Prompt: "p", GradeType: rubric.GradeFloat}, wantErr: true},
		{name: "blank prompt", r: rubric.Rubric{Name: "a", Prompt: "  ", GradeType: rubric.GradeFloat}, wantErr: true},
		{name: "bad type", r: rubric.Rubric{Name: "a", Prompt: "p", GradeType: "string"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAdHoc(t *testing.T) {
	t.Parallel()

	a, err := rubric.AdHoc("custom", "prompt one", rubric.GradeFloat)
	require.NoError(t, err)
	b, err := rubric.AdHoc("custom", "prompt two", rubric.GradeFloat)
	require.NoError(t, err)
	require.NotEqual(t, a.Version, b.Version)
	require.False(t, a.Builtin)
}
