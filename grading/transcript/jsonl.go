/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Record is one line of a rollout file. Fields holds every top-level key of
// the line so that keys this package does not model survive a rewrite.
type Record struct {
	Transcript Transcript
	Fields     map[string]json.RawMessage
}

// ReadJSONL decodes a line-delimited rollout file. Blank lines are skipped and
// do not consume an index.
func ReadJSONL(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var records []Record
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading line %d: %w", lineNo, err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			rec, derr := decodeRecord(trimmed)
			if derr != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, derr)
			}
			records = append(records, rec)
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
	}
}

func decodeRecord(line []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	t := Transcript{
		Attributes: Attributes{DataSource: Unknown, ExperimentName: Unknown},
	}
	if err := json.Unmarshal(line, &t); err != nil {
		return Record{}, fmt.Errorf("decoding transcript: %w", err)
	}
	return Record{Transcript: t, Fields: fields}, nil
}

// WriteJSONL encodes records one per line from their Fields.
func WriteJSONL(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec.Fields); err != nil {
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
	}
	return bw.Flush()
}
