// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the forge HTTP API on gin.
//
// Description:
//
//	Handlers translate between the HTTP surface and the run machinery:
//	they validate request bodies, start and kill runs through the
//	orchestrator, read state snapshots from the registry, and stream
//	events over SSE and WebSocket. Business decisions live in the
//	inner packages; a handler never mutates run state directly.
//
// Thread Safety: Handler is safe for concurrent use.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/orchestrator"
	"github.com/AleutianAI/AleutianForge/services/forge/run"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
)

// maxListedRuns caps the run listing.
const maxListedRuns = 50

// Handler carries the dependencies the API endpoints share.
type Handler struct {
	Registry *run.Registry
	Hub      *events.Hub
	Orch     *orchestrator.Orchestrator
	Store    store.Store
}

// New validates dependencies and returns a ready Handler.
func New(registry *run.Registry, hub *events.Hub, orch *orchestrator.Orchestrator, st store.Store) (*Handler, error) {
	switch {
	case registry == nil:
		return nil, errors.New("handlers: registry is required")
	case hub == nil:
		return nil, errors.New("handlers: event hub is required")
	case orch == nil:
		return nil, errors.New("handlers: orchestrator is required")
	case st == nil:
		return nil, errors.New("handlers: store is required")
	}
	return &Handler{Registry: registry, Hub: hub, Orch: orch, Store: st}, nil
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger returns a slog logger scoped to this request.
func requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetString("request_id")
	if requestID == "" {
		requestID = uuid.NewString()
		c.Set("request_id", requestID)
	}
	return slog.With("request_id", requestID, "handler", handler)
}

// fail writes the uniform error body.
func fail(c *gin.Context, status int, code string, err error) {
	c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
}

// errRunUnknown is the not-found error for run-scoped endpoints.
func errRunUnknown(id string) error {
	return errors.New("run " + id + " not found")
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, orchestrator.ErrEmptyDescription),
		errors.Is(err, orchestrator.ErrEmptyPrompt),
		errors.Is(err, orchestrator.ErrEmptyRunID):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// summarize renders a run state for the listing.
func summarize(s *run.State) datatypes.RunSummary {
	return datatypes.RunSummary{
		RunID:       s.ID,
		Title:       s.Title,
		Description: s.Description,
		Phase:       string(s.Current),
		Finished:    s.Finished,
		CreatedAt:   s.CreatedAt,
		FilesCount:  len(s.Files),
	}
}

// recentRuns returns up to limit run summaries, newest first.
func (h *Handler) recentRuns(limit int) []datatypes.RunSummary {
	ids := h.Registry.IDs()
	summaries := make([]datatypes.RunSummary, 0, len(ids))
	for _, id := range ids {
		if hdl, ok := h.Registry.Lookup(id); ok {
			summaries = append(summaries, summarize(hdl.Snapshot()))
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}
