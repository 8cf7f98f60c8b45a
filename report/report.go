/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package report renders the result of a grading job as markdown.
package report

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// maxExplanation is the longest explanation shown in a table cell.
const maxExplanation = 80

// createStandardTable creates a markdown table with the formatting shared by
// every section of the report.
func createStandardTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

// Summary is the aggregate view of a report.
type Summary struct {
	Total     int
	Graded    int
	Failed    int
	Grounded  int
	Mean      float64
	Cancelled bool
}

// Summarize aggregates r. Boolean grades count as 1 and 0 in the mean.
func Summarize(r *coordinator.Report) Summary {
	s := Summary{
		Total:     r.Total,
		Graded:    len(r.Succeeded),
		Failed:    len(r.Failed),
		Cancelled: r.Cancelled,
	}
	var sum float64
	for _, e := range r.Succeeded {
		sum += e.Grade.Number()
		if e.Grounded() {
			s.Grounded++
		}
	}
	if s.Graded > 0 {
		s.Mean = sum / float64(s.Graded)
	}
	return s
}

// Markdown renders r, graded under metric, as a summary table followed by
// one row per sample and one row per failure.
func Markdown(r *coordinator.Report, metric string) string {
	var out strings.Builder
	s := Summarize(r)

	fmt.Fprintf(&out, "## %s\n\n", metric)
	if s.Cancelled {
		out.WriteString("**Cancelled**: results below are partial.\n\n")
	}

	var buf bytes.Buffer
	table := createStandardTable([]string{"Samples", "Graded", "Failed", "Grounded", "Mean"}, &buf)
	_ = table.Append([]string{
		strconv.Itoa(s.Total),
		strconv.Itoa(s.Graded),
		strconv.Itoa(s.Failed),
		percent(s.Grounded, s.Graded),
		meanCell(s),
	})
	_ = table.Render()
	out.WriteString(buf.String())

	if len(r.Succeeded) > 0 {
		buf.Reset()
		table = createStandardTable([]string{"Sample", "Grade", "Quotes", "Explanation"}, &buf)
		for _, id := range slices.Sorted(maps.Keys(r.Succeeded)) {
			e := r.Succeeded[id]
			_ = table.Append([]string{
				strconv.Itoa(id),
				e.Grade.String(),
				strconv.Itoa(len(e.Quotes)),
				truncate(e.Explanation),
			})
		}
		_ = table.Render()
		out.WriteString("\n### Grades\n\n")
		out.WriteString(buf.String())
	}

	if len(r.Failed) > 0 {
		buf.Reset()
		table = createStandardTable([]string{"Sample", "Error"}, &buf)
		for _, f := range r.Failed {
			_ = table.Append([]string{strconv.Itoa(f.SampleID), truncate(f.Error)})
		}
		_ = table.Render()
		out.WriteString("\n### Failures\n\n")
		out.WriteString(buf.String())
	}
	return out.String()
}

func meanCell(s Summary) string {
	if s.Graded == 0 {
		return "-"
	}
	return strconv.FormatFloat(s.Mean, 'f', 2, 64)
}

func percent(n, of int) string {
	if of == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(of))
}

// truncate shortens s to one line of at most maxExplanation runes. Pipes are
// escaped so they do not break the markdown table.
func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	if r := []rune(s); len(r) > maxExplanation {
		return string(r[:maxExplanation-1]) + "…"
	}
	return s
}
