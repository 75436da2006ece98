// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response shapes of the forge
// HTTP API. Validation happens at the boundary via gin's binding tags;
// the inner packages never see unvalidated input.
package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// CreateRunResponse returns the id of a freshly allocated run.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// StartRunRequest launches the creation flow for a run.
type StartRunRequest struct {
	// Description is the natural-language project prompt.
	Description string `json:"description" binding:"required"`

	// DomainOverride pins the project domain, skipping the router.
	// Empty or "auto" routes from the description.
	DomainOverride string `json:"domainOverride,omitempty" binding:"omitempty,oneof=auto games webshop website general"`

	// Per-agent model overrides. Empty uses backend defaults.
	PlanningModel    string `json:"planningModel,omitempty"`
	ImplementerModel string `json:"implementerModel,omitempty"`
	FixerModel       string `json:"fixerModel,omitempty"`
}

// ModifyRunRequest launches the modify flow against a stored project.
type ModifyRunRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// StartRunResponse acknowledges a started run.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// KillResponse acknowledges a kill request.
type KillResponse struct {
	RunID  string `json:"run_id"`
	Killed bool   `json:"killed"`
}

// FilesResponse carries the current file snapshot of a run.
type FilesResponse struct {
	RunID string            `json:"run_id"`
	Files map[string]string `json:"files"`
}

// RunSummary is one entry of the run listing.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Phase       string    `json:"phase"`
	Finished    bool      `json:"finished"`
	CreatedAt   time.Time `json:"created_at"`
	FilesCount  int       `json:"files_count"`
}

// ListRunsResponse is the run listing.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// TelemetryResponse is the live progress snapshot of a run.
type TelemetryResponse struct {
	RunID      string           `json:"runId"`
	Status     string           `json:"status"`
	Steps      []run.StepRecord `json:"steps"`
	Metrics    run.Metrics      `json:"metrics"`
	Tokens     run.Tokens       `json:"tokens"`
	PlanCount  int              `json:"planCount"`
	FilesCount int              `json:"filesCount"`
}

// ErrorResponse is the uniform error body of the API.
type ErrorResponse struct {
	// Error is the human-readable message.
	Error string `json:"error"`

	// Code is the machine-readable error class.
	Code string `json:"code,omitempty"`
}
