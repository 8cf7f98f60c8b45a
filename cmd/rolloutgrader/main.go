/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements rolloutgrader, which grades LLM rollout
// transcripts against rubrics from a browser or the terminal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		clog.FatalContextf(ctx, "rolloutgrader: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rolloutgrader",
		Short: "Grade LLM rollout transcripts against rubrics",
		Long: `rolloutgrader grades the transcripts of a JSONL rollout file with an LLM judge.

Every grade carries verbatim quotes from the transcript, checked against the
source text. Grades are saved next to the original file under viz/, keeping a
history per metric.

Configuration is read from the environment (PORT, DATA_DIR, RUBRIC_DB,
MAX_PARALLEL, PROVIDER_TIMEOUT, *_API_KEY, S3_*, GCS_ENABLED, AUTH_*).`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand(), newGradeCommand())
	return cmd
}

// processConfig loads the configuration from the process environment.
func processConfig(ctx context.Context) (config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}
