/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package server exposes rollout browsing, the rubric catalog and grading
// jobs over HTTP. Grading progress is streamed to the client as server-sent
// events.
package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"chainguard.dev/rolloutgrader/grading/coordinator"
	"chainguard.dev/rolloutgrader/grading/jobs"
	"chainguard.dev/rolloutgrader/grading/metrics"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/sidestore"
	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
)

// Availability reports which providers have a server-side key.
// *registry.Registry implements it.
type Availability interface {
	Available() map[string]bool
}

// Option configures a Server.
type Option func(*Server) error

// WithAuth requires a session for every API route except health and login.
func WithAuth(a *Auth) Option {
	return func(s *Server) error {
		if a == nil {
			return errors.New("auth cannot be nil")
		}
		s.auth = a
		return nil
	}
}

// WithCoordinator runs jobs on c instead of a private coordinator.
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(s *Server) error {
		if c == nil {
			return errors.New("coordinator cannot be nil")
		}
		s.coordinator = c
		return nil
	}
}

// WithAvailability sets the source of /api/available-api-keys.
func WithAvailability(a Availability) Option {
	return func(s *Server) error {
		s.keys = a
		return nil
	}
}

// Server holds the handlers' dependencies.
type Server struct {
	store       *sidestore.Store
	rubrics     rubric.Catalog
	planner     *jobs.Planner
	coordinator *coordinator.Coordinator
	keys        Availability
	auth        *Auth
}

// New creates a Server.
func New(store *sidestore.Store, rubrics rubric.Catalog, planner *jobs.Planner, opts ...Option) (*Server, error) {
	if store == nil || rubrics == nil || planner == nil {
		return nil, errors.New("store, rubrics and planner are required")
	}
	s := &Server{
		store:       store,
		rubrics:     rubrics,
		planner:     planner,
		coordinator: coordinator.New(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Wait blocks until grading work left behind by cancelled jobs has finished.
func (s *Server) Wait() {
	s.coordinator.Wait()
}

// Handler returns the routed gin engine.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(recovery(), logging())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/health", s.health)
	api.POST("/login", s.login)
	api.POST("/logout", s.logout)

	protected := api.Group("")
	if s.auth != nil {
		protected.Use(s.auth.Middleware())
	}
	protected.GET("/contents", s.contents)
	protected.GET("/samples", s.samples)
	protected.GET("/samples/:id", s.sample)
	protected.GET("/preset-metrics", s.presetMetrics)
	protected.GET("/providers", s.providers)
	protected.GET("/available-api-keys", s.availableKeys)

	rubrics := protected.Group("/rubrics")
	rubrics.GET("", s.listRubrics)
	rubrics.POST("", s.createRubric)
	rubrics.GET("/:name", s.getRubric)
	rubrics.PUT("/:name", s.putRubric)
	rubrics.DELETE("/:name", s.deleteRubric)

	protected.POST("/grade", s.grade)
	protected.POST("/save-graded", s.saveGraded)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes an error body and logs server-side failures.
func fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		clog.FromContext(c.Request.Context()).With("error", err.Error()).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// logging attaches a request-scoped logger and records each request.
func logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := clog.FromContext(c.Request.Context()).
			With("method", c.Request.Method).
			With("path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(clog.WithLogger(c.Request.Context(), log))

		c.Next()

		log.With("status", c.Writer.Status()).
			With("latency", time.Since(start)).
			Info("Handled request")
	}
}

func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				clog.FromContext(c.Request.Context()).
					With("panic", r).
					With("stack", string(debug.Stack())).
					Error("Recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
