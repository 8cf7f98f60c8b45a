/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rubric

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no rubric has the requested name.
	ErrNotFound = errors.New("rubric not found")
	// ErrBuiltin is returned when a caller tries to change a built-in rubric.
	ErrBuiltin = errors.New("built-in rubrics cannot be modified")
)

// Catalog resolves rubrics by metric name and stores user-defined ones.
type Catalog interface {
	Get(ctx context.Context, name string) (Rubric, error)
	List(ctx context.Context) ([]Rubric, error)
	Put(ctx context.Context, r Rubric) (Rubric, error)
	Delete(ctx context.Context, name string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS rubrics (
	name         TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	description  TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	grade_type   TEXT NOT NULL,
	revision     INTEGER NOT NULL DEFAULT 1,
	updated_at   TEXT NOT NULL
)`

// SQLCatalog is a Catalog backed by SQLite. Built-in presets are served from
// memory and their names are reserved.
type SQLCatalog struct {
	db *sql.DB
}

var _ Catalog = (*SQLCatalog)(nil)

// OpenCatalog opens (creating if needed) the catalog database at path.
// Use ":memory:" for a throwaway catalog.
func OpenCatalog(ctx context.Context, path string) (*SQLCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening rubric catalog: %w", err)
	}
	// ":memory:" databases are private to a connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating rubric schema: %w", err)
	}
	clog.FromContext(ctx).With("path", path).Info("Opened rubric catalog")
	return &SQLCatalog{db: db}, nil
}

// Close releases the database.
func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

// Get implements Catalog.
func (c *SQLCatalog) Get(ctx context.Context, name string) (Rubric, error) {
	if r, ok := Preset(name); ok {
		return r, nil
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT name, display_name, description, prompt, grade_type, revision FROM rubrics WHERE name = ?`, name)
	r, err := scanRubric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Rubric{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Rubric{}, fmt.Errorf("loading rubric %q: %w", name, err)
	}
	return r, nil
}

// List implements Catalog. Presets come first, then user rubrics by name.
func (c *SQLCatalog) List(ctx context.Context) ([]Rubric, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, display_name, description, prompt, grade_type, revision FROM rubrics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing rubrics: %w", err)
	}
	defer rows.Close()

	out := Presets()
	for rows.Next() {
		r, err := scanRubric(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rubric: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Put implements Catalog. Creating a rubric yields version v1; every update
// bumps the revision so entries graded under the old prompt stay attributable.
func (c *SQLCatalog) Put(ctx context.Context, r Rubric) (Rubric, error) {
	if _, ok := Preset(r.Name); ok {
		return Rubric{}, fmt.Errorf("%w: %q", ErrBuiltin, r.Name)
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	if r.DisplayName == "" {
		r.DisplayName = r.Name
	}

	_, err := c.db.ExecContext(ctx, `
INSERT INTO rubrics (name, display_name, description, prompt, grade_type, revision, updated_at)
VALUES (?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(name) DO UPDATE SET
	display_name = excluded.display_name,
	description  = excluded.description,
	prompt       = excluded.prompt,
	grade_type   = excluded.grade_type,
	revision     = rubrics.revision + 1,
	updated_at   = excluded.updated_at`,
		r.Name, r.DisplayName, r.Description, r.Prompt, string(r.GradeType), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return Rubric{}, fmt.Errorf("storing rubric %q: %w", r.Name, err)
	}
	clog.FromContext(ctx).With("rubric", r.Name).Info("Stored rubric")
	return c.Get(ctx, r.Name)
}

// Delete implements Catalog.
func (c *SQLCatalog) Delete(ctx context.Context, name string) error {
	if _, ok := Preset(name); ok {
		return fmt.Errorf("%w: %q", ErrBuiltin, name)
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM rubrics WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting rubric %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRubric(s scanner) (Rubric, error) {
	var (
		r        Rubric
		gt       string
		revision int64
	)
	if err := s.Scan(&r.Name, &r.DisplayName, &r.Description, &r.Prompt, &gt, &revision); err != nil {
		return Rubric{}, err
	}
	r.GradeType = GradeType(gt)
	r.Version = fmt.Sprintf("v%d", revision)
	return r, nil
}
