// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// Report is the per-run summary served at /runs/{id}/report.
type Report struct {
	RunID       string            `json:"runId"`
	Description string            `json:"description"`
	Domain      string            `json:"domain"`
	Router      *run.RouterResult `json:"router,omitempty"`
	Plan        ReportPlan        `json:"plan"`
	Metrics     run.Metrics       `json:"metrics"`
	Tokens      run.Tokens        `json:"tokens"`
	Tests       ReportTests       `json:"tests"`
	FilesCount  int               `json:"filesCount"`
}

// ReportPlan condenses the plan to headline numbers.
type ReportPlan struct {
	FileCount int    `json:"fileCount"`
	Style     string `json:"style"`
	Summary   string `json:"summary"`
}

// ReportTests reports the final check verdict. CompilePassed is false
// until a check has actually produced a log.
type ReportTests struct {
	CompilePassed bool `json:"compile_passed"`
}

// BuildReport assembles the run report from a state snapshot.
func BuildReport(s *run.State) *Report {
	r := &Report{
		RunID:       s.ID,
		Description: s.Description,
		Router:      s.Router,
		Metrics:     s.Metrics,
		Tokens:      s.Tokens,
		FilesCount:  len(s.Files),
	}
	if s.Router != nil {
		r.Domain = s.Router.Domain
	}
	if s.Plan != nil {
		r.Plan = ReportPlan{
			FileCount: len(s.Plan.Files),
			Style:     s.Plan.Style,
			Summary:   s.Plan.Summary,
		}
	}
	r.Tests.CompilePassed = s.LastVerifyLog != "" && s.TestOK()
	return r
}
