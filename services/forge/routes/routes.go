// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the forge API under /v1/forge.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianForge/services/forge/handlers"
)

// SetupRoutes attaches every forge endpoint to the router.
//
// Inputs:
//
//	router - The gin engine to register on.
//	h - The shared handler dependencies.
//	metrics - The /metrics handler. Nil skips the endpoint.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, metrics http.Handler) {
	router.GET("/healthz", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1/forge")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", h.CreateRun)
			runs.GET("", h.ListRuns)
			runs.POST("/:id/start", h.StartRun)
			runs.POST("/:id/modify", h.ModifyRun)
			runs.POST("/:id/kill", h.KillRun)
			runs.GET("/:id/events", h.RunEvents)
			runs.GET("/:id/ws", h.RunEventsWS)
			runs.GET("/:id/files", h.RunFiles)
			runs.GET("/:id/report", h.RunReport)
			runs.GET("/:id/telemetry", h.RunTelemetry)
			runs.GET("/:id/artifact.zip", h.RunArtifact)
		}
	}
}
