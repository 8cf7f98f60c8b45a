/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package storage reads, writes and lists rollout files on local disk,
// S3-compatible object stores and Google Cloud Storage. Callers address
// files with location strings: a filesystem path, s3://bucket/key or
// gs://bucket/key.
package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chainguard.dev/rolloutgrader/grading/retry"
	"github.com/chainguard-dev/clog"
)

// Location schemes.
const (
	SchemeLocal = ""
	SchemeS3    = "s3"
	SchemeGCS   = "gs"
)

var (
	// ErrNotFound is returned when the addressed file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported is returned for a scheme with no configured backend.
	ErrUnsupported = errors.New("storage backend not configured")
)

// Location is a parsed location string. For local files Bucket is empty and
// Key is the path.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseError reports a malformed location string.
type ParseError struct {
	Location string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("location %q: %s", e.Location, e.Reason)
}

// Parse splits a location string into its parts.
func Parse(s string) (Location, error) {
	if strings.TrimSpace(s) == "" {
		return Location{}, &ParseError{Location: s, Reason: "location is required"}
	}
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Location{Scheme: SchemeLocal, Key: s}, nil
	}
	switch scheme {
	case SchemeS3, SchemeGCS:
	default:
		return Location{}, &ParseError{Location: s, Reason: fmt.Sprintf("unknown scheme %q", scheme)}
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, &ParseError{Location: s, Reason: "no bucket"}
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

func (l Location) String() string {
	if l.Scheme == SchemeLocal {
		return l.Key
	}
	if l.Key == "" {
		return l.Scheme + "://" + l.Bucket
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// Dir returns the directory part of the key, without a trailing slash.
func (l Location) Dir() string {
	i := strings.LastIndex(l.Key, "/")
	if i < 0 {
		return ""
	}
	return l.Key[:i]
}

// Base returns the last element of the key.
func (l Location) Base() string {
	return l.Key[strings.LastIndex(l.Key, "/")+1:]
}

// Kind distinguishes folders from files in a listing.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// Entry is one item of a directory listing. Key is a location string that
// can be passed back to Store.
type Entry struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Type         Kind      `json:"type"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Contents lists the folders and rollout files directly under a location.
type Contents struct {
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// RolloutExt is the extension of files included in listings.
const RolloutExt = ".jsonl"

// sort orders both lists by name, ignoring case.
func (c *Contents) sort() {
	byName := func(a, b Entry) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	}
	slices.SortStableFunc(c.Folders, byName)
	slices.SortStableFunc(c.Files, byName)
	if c.Folders == nil {
		c.Folders = []Entry{}
	}
	if c.Files == nil {
		c.Files = []Entry{}
	}
}

// Backend serves one scheme.
type Backend interface {
	// List returns the immediate children of dir. Only folders and rollout
	// files are included.
	List(ctx context.Context, dir Location) (Contents, error)
	// Read returns the whole file, or an error wrapping ErrNotFound.
	Read(ctx context.Context, loc Location) ([]byte, error)
	// Write replaces the file with data.
	Write(ctx context.Context, loc Location, data []byte) error
	// Exists reports whether the file exists.
	Exists(ctx context.Context, loc Location) (bool, error)
}

// Option configures a Store.
type Option func(*Store) error

// WithBackend serves scheme from b.
func WithBackend(scheme string, b Backend) Option {
	return func(s *Store) error {
		if b == nil {
			return fmt.Errorf("backend for %q cannot be nil", scheme)
		}
		s.backends[scheme] = b
		return nil
	}
}

// WithRetryConfig sets the backoff applied to transient write failures.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Store) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid retry config: %w", err)
		}
		s.retry = cfg
		return nil
	}
}

// Store dispatches location strings to the backend for their scheme.
type Store struct {
	backends map[string]Backend
	retry    retry.Config
}

// New creates a Store. A local backend rooted at the working directory is
// installed unless WithBackend overrides it.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		backends: map[string]Backend{SchemeLocal: NewLocal("")},
		retry:    retry.DefaultConfig(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) backend(loc string) (Backend, Location, error) {
	l, err := Parse(loc)
	if err != nil {
		return nil, Location{}, err
	}
	b, ok := s.backends[l.Scheme]
	if !ok {
		return nil, Location{}, fmt.Errorf("%w: %s://", ErrUnsupported, l.Scheme)
	}
	return b, l, nil
}

// List returns the folders and rollout files directly under dir, each sorted
// by name ignoring case.
func (s *Store) List(ctx context.Context, dir string) (Contents, error) {
	b, l, err := s.backend(dir)
	if err != nil {
		return Contents{}, err
	}
	c, err := b.List(ctx, l)
	if err != nil {
		return Contents{}, fmt.Errorf("listing %s: %w", dir, err)
	}
	c.sort()
	return c, nil
}

// Read returns the contents of loc.
func (s *Store) Read(ctx context.Context, loc string) ([]byte, error) {
	b, l, err := s.backend(loc)
	if err != nil {
		return nil, err
	}
	data, err := b.Read(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	return data, nil
}

// Exists reports whether loc exists.
func (s *Store) Exists(ctx context.Context, loc string) (bool, error) {
	b, l, err := s.backend(loc)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, l)
}

// Write replaces loc with data, retrying transient failures.
func (s *Store) Write(ctx context.Context, loc string, data []byte) error {
	b, l, err := s.backend(loc)
	if err != nil {
		return err
	}
	_, err = retry.WithBackoff(ctx, s.retry, "write "+loc, IsTransient, func() (struct{}, error) {
		return struct{}{}, b.Write(ctx, l, data)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", loc, err)
	}
	clog.FromContext(ctx).With("location", loc).With("bytes", len(data)).Info("Wrote file")
	return nil
}

// transientError marks a backend failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by a backend.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	return errors.As(err, &te)
}

// retryableStatus reports whether an HTTP status from an object store is
// worth retrying.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
