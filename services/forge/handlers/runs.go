// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/orchestrator"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// CreateRun allocates a run id and publishes the initial queued status.
func (h *Handler) CreateRun(c *gin.Context) {
	log := requestLogger(c, "create_run")

	id := uuid.NewString()
	h.Registry.Get(id)
	h.Hub.Publish(id, events.Status("queued", "queued"))

	log.Info("Run created", "run_id", id)
	c.JSON(http.StatusOK, datatypes.CreateRunResponse{RunID: id})
}

// ListRuns returns recent runs, newest first.
func (h *Handler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.ListRunsResponse{Runs: h.recentRuns(maxListedRuns)})
}

// StartRun launches the creation flow for an existing run id.
func (h *Handler) StartRun(c *gin.Context) {
	log := requestLogger(c, "start_run")
	runID := c.Param("id")

	var req datatypes.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	err := h.Orch.StartCreation(c.Request.Context(), orchestrator.CreationRequest{
		RunID:       runID,
		Description: req.Description,
		Domain:      req.DomainOverride,
		Models: run.ModelSelection{
			Planner:     req.PlanningModel,
			Implementer: req.ImplementerModel,
			Fixer:       req.FixerModel,
		},
	})
	if err != nil {
		status, code := statusFor(err)
		log.Warn("Start rejected", "run_id", runID, "error", err)
		fail(c, status, code, err)
		return
	}

	log.Info("Creation run started", "run_id", runID)
	c.JSON(http.StatusOK, datatypes.StartRunResponse{RunID: runID, Status: "started"})
}

// ModifyRun launches the modify flow against a stored project.
func (h *Handler) ModifyRun(c *gin.Context) {
	log := requestLogger(c, "modify_run")
	runID := c.Param("id")

	var req datatypes.ModifyRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	err := h.Orch.StartModify(c.Request.Context(), orchestrator.ModifyRequest{
		RunID:  runID,
		Prompt: req.Prompt,
	})
	if err != nil {
		status, code := statusFor(err)
		log.Warn("Modify rejected", "run_id", runID, "error", err)
		fail(c, status, code, err)
		return
	}

	log.Info("Modify run started", "run_id", runID)
	c.JSON(http.StatusOK, datatypes.StartRunResponse{RunID: runID, Status: "started"})
}

// KillRun requests a best-effort cancellation.
func (h *Handler) KillRun(c *gin.Context) {
	log := requestLogger(c, "kill_run")
	runID := c.Param("id")

	killed := h.Orch.Kill(runID)
	log.Info("Kill requested", "run_id", runID, "killed", killed)
	c.JSON(http.StatusOK, datatypes.KillResponse{RunID: runID, Killed: killed})
}

// RunFiles returns the current file snapshot: the modified set when a
// modify or fix pass produced one, the base files otherwise.
func (h *Handler) RunFiles(c *gin.Context) {
	runID := c.Param("id")

	hdl, ok := h.Registry.Lookup(runID)
	if !ok {
		// Fall back to the stored project for runs whose loop state is
		// gone, such as after a restart of the server.
		proj, err := h.Store.LoadProject(c.Request.Context(), runID)
		if err != nil {
			status, code := statusFor(err)
			fail(c, status, code, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.FilesResponse{RunID: runID, Files: proj.Files})
		return
	}

	var files map[string]string
	hdl.View(func(s *run.State) {
		src := s.ModifiedFiles
		if len(src) == 0 {
			src = s.Files
		}
		files = manifest.CloneFiles(src)
	})
	c.JSON(http.StatusOK, datatypes.FilesResponse{RunID: runID, Files: files})
}

// RunReport returns the per-run summary document.
func (h *Handler) RunReport(c *gin.Context) {
	runID := c.Param("id")

	hdl, ok := h.Registry.Lookup(runID)
	if !ok {
		fail(c, http.StatusNotFound, "not_found", errRunUnknown(runID))
		return
	}
	c.JSON(http.StatusOK, orchestrator.BuildReport(hdl.Snapshot()))
}

// RunTelemetry returns the live progress snapshot of a run.
func (h *Handler) RunTelemetry(c *gin.Context) {
	runID := c.Param("id")

	hdl, ok := h.Registry.Lookup(runID)
	if !ok {
		fail(c, http.StatusNotFound, "not_found", errRunUnknown(runID))
		return
	}

	s := hdl.Snapshot()
	c.JSON(http.StatusOK, datatypes.TelemetryResponse{
		RunID:      s.ID,
		Status:     string(s.Current),
		Steps:      s.History.Steps,
		Metrics:    s.Metrics,
		Tokens:     s.Tokens,
		PlanCount:  s.PlanFileCount(),
		FilesCount: len(s.Files),
	})
}
