/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sidestore keeps grades in a copy of each rollout file under a
// sibling viz/ directory. The original file is never written.
package sidestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// VizDir is the directory holding graded copies, next to the originals.
const VizDir = "viz"

// gradesField is the record key holding a sample's grade history.
const gradesField = "grades"

// VizPath returns the location of the graded copy of loc:
// /dir/run.jsonl becomes /dir/viz/run.jsonl and s3://b/p/run.jsonl becomes
// s3://b/p/viz/run.jsonl.
func VizPath(loc string) (string, error) {
	l, err := storage.Parse(loc)
	if err != nil {
		return "", err
	}
	if l.Key == "" || l.Base() == "" {
		return "", &storage.ParseError{Location: loc, Reason: "does not name a file"}
	}
	if dir := l.Dir(); dir != "" {
		l.Key = dir + "/" + VizDir + "/" + l.Base()
	} else {
		l.Key = VizDir + "/" + l.Base()
	}
	return l.String(), nil
}

// Sample is one transcript with its position in the file and its grades.
type Sample struct {
	ID         int                   `json:"id"`
	Messages   []transcript.Message  `json:"messages"`
	Attributes transcript.Attributes `json:"attributes"`
	Timestamp  string                `json:"timestamp"`
	Grades     grades.History        `json:"grades,omitempty"`
}

// File is a loaded rollout file.
type File struct {
	// Path is the location the caller asked for.
	Path string
	// Source is where the samples were read from: Path or its viz/ copy.
	Source         string
	Samples        []Sample
	ExperimentName string
	HasGrades      bool
}

// Histories returns the grade history of every sample that has one.
func (f *File) Histories() map[int]grades.History {
	out := make(map[int]grades.History, len(f.Samples))
	for _, s := range f.Samples {
		if len(s.Grades) > 0 {
			out[s.ID] = s.Grades
		}
	}
	return out
}

// Store loads and saves rollout files through a storage.Store.
type Store struct {
	store *storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Store over s.
func New(s *storage.Store) *Store {
	return &Store{store: s, locks: map[string]*sync.Mutex{}}
}

// lock serializes read-merge-write cycles on one graded copy.
func (s *Store) lock(viz string) func() {
	s.mu.Lock()
	m, ok := s.locks[viz]
	if !ok {
		m = &sync.Mutex{}
		s.locks[viz] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// source picks the viz/ copy of loc when it exists.
func (s *Store) source(ctx context.Context, loc string) (src, viz string, graded bool, err error) {
	viz, err = VizPath(loc)
	if err != nil {
		return "", "", false, err
	}
	ok, err := s.store.Exists(ctx, viz)
	if err != nil {
		return "", "", false, fmt.Errorf("checking %s: %w", viz, err)
	}
	if ok {
		return viz, viz, true, nil
	}
	return loc, viz, false, nil
}

// Load reads loc, preferring its viz/ copy so that saved grades are included.
func (s *Store) Load(ctx context.Context, loc string) (*File, error) {
	src, _, graded, err := s.source(ctx, loc)
	if err != nil {
		return nil, err
	}
	records, err := s.read(ctx, src)
	if err != nil {
		return nil, err
	}

	f := &File{
		Path:           loc,
		Source:         src,
		Samples:        make([]Sample, 0, len(records)),
		ExperimentName: transcript.Unknown,
		HasGrades:      graded,
	}
	for i, rec := range records {
		h, err := historyOf(rec)
		if err != nil {
			return nil, fmt.Errorf("%s sample %d: %w", src, i, err)
		}
		if len(h) > 0 {
			f.HasGrades = true
		}
		if f.ExperimentName == transcript.Unknown {
			f.ExperimentName = rec.Transcript.Attributes.ExperimentName
		}
		f.Samples = append(f.Samples, Sample{
			ID:         i,
			Messages:   rec.Transcript.Messages,
			Attributes: rec.Transcript.Attributes,
			Timestamp:  rec.Transcript.Timestamp,
			Grades:     h,
		})
	}
	return f, nil
}

// Transcripts returns the transcripts of loc keyed by sample ID, read from
// the original file.
func (s *Store) Transcripts(ctx context.Context, loc string) ([]transcript.Transcript, error) {
	records, err := s.read(ctx, loc)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.Transcript, len(records))
	for i, rec := range records {
		out[i] = rec.Transcript
	}
	return out, nil
}

func (s *Store) read(ctx context.Context, loc string) ([]transcript.Record, error) {
	data, err := s.store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	records, err := transcript.ReadJSONL(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", loc, err)
	}
	return records, nil
}

func historyOf(rec transcript.Record) (grades.History, error) {
	raw, ok := rec.Fields[gradesField]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var h grades.History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decoding grades: %w", err)
	}
	return h, nil
}

// SaveResult reports where grades were written.
type SaveResult struct {
	VizPath        string `json:"viz_path"`
	SamplesUpdated int    `json:"samples_updated"`
	// Skipped lists sample IDs outside the file.
	Skipped []int `json:"skipped,omitempty"`
}

// Save appends fresh grades (sample ID to metric to entry) to the grade
// histories of loc and writes the result to its viz/ copy. Merging starts
// from the viz/ copy when one exists, otherwise from the original. Sample IDs
// outside the file are skipped.
func (s *Store) Save(ctx context.Context, loc string, fresh map[int]map[string]grades.Entry) (SaveResult, error) {
	viz, err := VizPath(loc)
	if err != nil {
		return SaveResult{}, err
	}
	defer s.lock(viz)()

	src, viz, _, err := s.source(ctx, loc)
	if err != nil {
		return SaveResult{}, err
	}
	records, err := s.read(ctx, src)
	if err != nil {
		return SaveResult{}, err
	}

	existing := make(map[int]grades.History, len(records))
	for i, rec := range records {
		h, err := historyOf(rec)
		if err != nil {
			return SaveResult{}, fmt.Errorf("%s sample %d: %w", src, i, err)
		}
		if h != nil {
			existing[i] = h
		}
	}

	res := SaveResult{VizPath: viz}
	byMetric := map[string]map[int]grades.Entry{}
	for _, id := range slices.Sorted(maps.Keys(fresh)) {
		if id < 0 || id >= len(records) {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.SamplesUpdated++
		for metric, entry := range fresh[id] {
			if byMetric[metric] == nil {
				byMetric[metric] = map[int]grades.Entry{}
			}
			byMetric[metric][id] = entry
		}
	}
	merged := existing
	for _, metric := range slices.Sorted(maps.Keys(byMetric)) {
		merged = grades.Merge(merged, byMetric[metric], metric)
	}

	for id, h := range merged {
		raw, err := json.Marshal(h)
		if err != nil {
			return SaveResult{}, fmt.Errorf("encoding grades of sample %d: %w", id, err)
		}
		fields := maps.Clone(records[id].Fields)
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
		fields[gradesField] = raw
		records[id].Fields = fields
	}

	var buf bytes.Buffer
	if err := transcript.WriteJSONL(&buf, records); err != nil {
		return SaveResult{}, err
	}
	if err := s.store.Write(ctx, viz, buf.Bytes()); err != nil {
		return SaveResult{}, err
	}

	clog.FromContext(ctx).With("viz_path", viz).
		With("samples_updated", res.SamplesUpdated).
		With("metrics", len(byMetric)).
		Info("Saved grades")
	return res, nil
}

// SaveMetric is Save for entries of a single metric.
func (s *Store) SaveMetric(ctx context.Context, loc, metric string, fresh map[int]grades.Entry) (SaveResult, error) {
	byID := make(map[int]map[string]grades.Entry, len(fresh))
	for id, e := range fresh {
		byID[id] = map[string]grades.Entry{metric: e}
	}
	return s.Save(ctx, loc, byID)
}

// Listing is a directory listing with each rollout file flagged when it has a
// graded copy.
type Listing struct {
	Folders []storage.Entry `json:"folders"`
	Files   []ListedFile    `json:"files"`
}

// ListedFile is a rollout file in a Listing.
type ListedFile struct {
	storage.Entry
	Graded bool `json:"graded"`
}

// statLimit bounds concurrent existence checks while listing.
const statLimit = 8

// List lists dir and checks every rollout file for a viz/ copy.
func (s *Store) List(ctx context.Context, dir string) (*Listing, error) {
	c, err := s.store.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	out := &Listing{Folders: c.Folders, Files: make([]ListedFile, len(c.Files))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statLimit)
	for i, e := range c.Files {
		out.Files[i].Entry = e
		g.Go(func() error {
			viz, err := VizPath(e.Key)
			if err != nil {
				return err
			}
			ok, err := s.store.Exists(gctx, viz)
			if err != nil {
				return fmt.Errorf("checking %s: %w", viz, err)
			}
			out.Files[i].Graded = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err means the rollout file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
