/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/server"
	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long in-flight requests get after a signal.
const shutdownGrace = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the grading API and its event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := processConfig(ctx)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config) error {
	gin.SetMode(cfg.GinMode)

	d, err := cfg.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	opts := []server.Option{
		server.WithAvailability(d.providers),
		server.WithCoordinator(coordinator.New(coordinator.WithItemTimeout(cfg.ItemTimeout))),
	}
	if cfg.AuthPasswordHash != "" {
		auth, err := server.NewAuth(cfg.AuthPasswordHash, cfg.AuthSecret, cfg.SessionTTL)
		if err != nil {
			return fmt.Errorf("configuring auth: %w", err)
		}
		opts = append(opts, server.WithAuth(auth))
	} else {
		clog.WarnContextf(ctx, "AUTH_PASSWORD_HASH is unset, the API is open to anyone who can reach it")
	}

	s, err := server.New(d.store, d.rubrics, d.planner, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Grading streams stay open for the length of a job.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		clog.InfoContextf(ctx, "Listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	clog.InfoContextf(ctx, "Shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	// Cancelled jobs leave their in-flight calls running; let them drain.
	s.Wait()
	return nil
}
