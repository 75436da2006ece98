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

	"github.com/AleutianAI/AleutianForge/services/forge/artifact"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// RunArtifact serves the zip of the run's current file snapshot,
// built on demand so mid-run downloads see the latest committed wave.
func (h *Handler) RunArtifact(c *gin.Context) {
	log := requestLogger(c, "run_artifact")
	runID := c.Param("id")

	var files map[string]string
	if hdl, ok := h.Registry.Lookup(runID); ok {
		hdl.View(func(s *run.State) {
			src := s.ModifiedFiles
			if len(src) == 0 {
				src = s.Files
			}
			files = manifest.CloneFiles(src)
		})
	} else {
		proj, err := h.Store.LoadProject(c.Request.Context(), runID)
		if err != nil {
			status, code := statusFor(err)
			fail(c, status, code, err)
			return
		}
		files = proj.Files
	}

	data, err := artifact.BuildZip(files)
	if err != nil {
		log.Error("Artifact packaging failed", "run_id", runID, "error", err)
		fail(c, http.StatusInternalServerError, "internal", err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="project.zip"`)
	c.Data(http.StatusOK, "application/zip", data)
}
