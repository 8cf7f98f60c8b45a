/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"context"
	"errors"
	"net/http"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/progress"
	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// eventStream writes progress events as server-sent events. The event name
// is the event type and the data is the event's JSON encoding.
type eventStream struct {
	c *gin.Context
}

var _ progress.Sink = eventStream{}

// Emit implements progress.Sink.
func (s eventStream) Emit(_ context.Context, e progress.Event) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	s.c.SSEvent(string(e.Type), e)
	if s.c.IsAborted() {
		if last := s.c.Errors.Last(); last != nil {
			return last.Err
		}
		return errors.New("event stream closed")
	}
	s.c.Writer.Flush()
	return nil
}

func (s *Server) grade(c *gin.Context) {
	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	id := uuid.NewString()
	ctx := clog.WithLogger(c.Request.Context(), clog.FromContext(c.Request.Context()).With("job_id", id))

	job, err := s.planner.Plan(ctx, id, req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrPreflight) {
			status = http.StatusBadRequest
		}
		fail(c, status, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Job-Id", id)
	c.Status(http.StatusOK)

	sink := progress.NewGuard(eventStream{c: c})
	// A client disconnect cancels the request context, which cancels the job.
	if _, err := s.coordinator.Run(ctx, job, sink); err != nil {
		clog.FromContext(ctx).With("error", err.Error()).Error("Grading job failed")
		if !sink.Closed() {
			_ = sink.Emit(ctx, progress.Failure("grading job failed: %v", err))
		}
	}
}

type saveGradedRequest struct {
	FilePath string                          `json:"file_path" binding:"required"`
	Grades   map[int]map[string]grades.Entry `json:"grades" binding:"required"`
}

func (s *Server) saveGraded(c *gin.Context) {
	var req saveGradedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.store.Save(c.Request.Context(), req.FilePath, req.Grades)
	if err != nil {
		fail(c, storageStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"viz_path":        res.VizPath,
		"samples_updated": res.SamplesUpdated,
		"skipped":         res.Skipped,
	})
}
