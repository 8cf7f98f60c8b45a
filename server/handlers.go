/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/rubric"
	"chainguard.dev/rolloutgrader/sidestore"
	"chainguard.dev/rolloutgrader/storage"
	"github.com/gin-gonic/gin"
)

// storageStatus maps a storage failure onto an HTTP status.
func storageStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUnsupported):
		return http.StatusBadRequest
	}
	var perr *storage.ParseError
	if errors.As(err, &perr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) contents(c *gin.Context) {
	loc := c.DefaultQuery("location", ".")
	listing, err := s.store.List(c.Request.Context(), loc)
	if err != nil {
		fail(c, storageStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

type samplesResponse struct {
	Samples        []sidestore.Sample `json:"samples"`
	Total          int                `json:"total"`
	ExperimentName string             `json:"experiment_name"`
	FilePath       string             `json:"file_path"`
	HasGrades      bool               `json:"has_grades"`
}

func (s *Server) samples(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		fail(c, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	f, err := s.store.Load(c.Request.Context(), file)
	if err != nil {
		fail(c, storageStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, samplesResponse{
		Samples:        f.Samples,
		Total:          len(f.Samples),
		ExperimentName: f.ExperimentName,
		FilePath:       f.Path,
		HasGrades:      f.HasGrades,
	})
}

func (s *Server) sample(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("sample id %q is not a number", c.Param("id")))
		return
	}
	file := c.Query("file")
	if file == "" {
		fail(c, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	f, err := s.store.Load(c.Request.Context(), file)
	if err != nil {
		fail(c, storageStatus(err), err)
		return
	}
	if id < 0 || id >= len(f.Samples) {
		fail(c, http.StatusNotFound, fmt.Errorf("sample %d not found", id))
		return
	}
	c.JSON(http.StatusOK, f.Samples[id])
}

type presetMetric struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	GradeType   rubric.GradeType `json:"grade_type"`
	Prompt      string           `json:"prompt"`
}

func (s *Server) presetMetrics(c *gin.Context) {
	out := map[string]presetMetric{}
	for _, r := range rubric.Presets() {
		out[r.Name] = presetMetric{
			Name:        r.DisplayName,
			Description: r.Description,
			GradeType:   r.GradeType,
			Prompt:      r.Prompt,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) providers(c *gin.Context) {
	out := map[string][]string{}
	for _, name := range provider.Names() {
		out[name] = provider.Models(name)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) availableKeys(c *gin.Context) {
	out := provider.Keys{}.Available()
	if s.keys != nil {
		out = s.keys.Available()
	}
	c.JSON(http.StatusOK, out)
}

// rubricStatus maps a catalog failure onto an HTTP status.
func rubricStatus(err error) int {
	switch {
	case errors.Is(err, rubric.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rubric.ErrBuiltin):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) listRubrics(c *gin.Context) {
	rs, err := s.rubrics.List(c.Request.Context())
	if err != nil {
		fail(c, rubricStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (s *Server) getRubric(c *gin.Context) {
	r, err := s.rubrics.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, rubricStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) createRubric(c *gin.Context) {
	var r rubric.Rubric
	if err := c.ShouldBindJSON(&r); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := r.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if _, err := s.rubrics.Get(c.Request.Context(), r.Name); err == nil {
		fail(c, http.StatusConflict, fmt.Errorf("rubric %q already exists", r.Name))
		return
	} else if !errors.Is(err, rubric.ErrNotFound) {
		fail(c, rubricStatus(err), err)
		return
	}
	s.storeRubric(c, http.StatusCreated, r)
}

func (s *Server) putRubric(c *gin.Context) {
	var r rubric.Rubric
	if err := c.ShouldBindJSON(&r); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	r.Name = c.Param("name")
	if err := r.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.storeRubric(c, http.StatusOK, r)
}

func (s *Server) storeRubric(c *gin.Context, status int, r rubric.Rubric) {
	stored, err := s.rubrics.Put(c.Request.Context(), r)
	if err != nil {
		fail(c, rubricStatus(err), err)
		return
	}
	c.JSON(status, stored)
}

func (s *Server) deleteRubric(c *gin.Context) {
	if err := s.rubrics.Delete(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, rubricStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}
