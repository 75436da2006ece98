// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller decides the next action for a run.
//
// The decision functions are pure: they read the run state and return
// an Action without mutating anything. Counters, observations, and
// phase transitions are written by the run loop, never here. Every
// state yields an action, so the loop can always make progress toward
// a terminal STOP.
package controller

import (
	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// Limits bound how much recovery a run may attempt.
const (
	// MaxSteps caps loop iterations per run.
	MaxSteps = 30

	// MaxFix caps fixer passes before giving up on repairs.
	MaxFix = 5

	// MaxReplan caps how often a failed sanity check may replan.
	MaxReplan = 1
)

// Kind names an action the run loop can dispatch.
type Kind string

const (
	ActionRoute       Kind = "ROUTE"
	ActionPlan        Kind = "PLAN"
	ActionReplan      Kind = "REPLAN"
	ActionSanity      Kind = "SANITY"
	ActionImplement   Kind = "IMPLEMENT"
	ActionTest        Kind = "TEST"
	ActionFix         Kind = "FIX"
	ActionPackage     Kind = "PACKAGE"
	ActionAskUser     Kind = "ASK_USER"
	ActionStop        Kind = "STOP"
	ActionInterpret   Kind = "INTERPRET"
	ActionReinterpret Kind = "REINTERPRET"
	ActionModify      Kind = "MODIFY"
)

// String returns the action kind as a string.
func (k Kind) String() string {
	return string(k)
}

// Action is a decision: what the run loop should do next and why.
type Action struct {
	Kind   Kind   `json:"action"`
	Reason string `json:"reason"`
}

// Next decides the next action for a run of either mode.
func Next(s *run.State) Action {
	if s.Mode == run.ModeModify {
		return NextModify(s)
	}
	return NextCreation(s)
}

// NextCreation decides the next action for a from-scratch run.
//
// Description:
//
//	An exhausted budget routes to PACKAGE from any state so a run
//	always ships whatever it has. Otherwise the decision follows the
//	current phase and the observations the stages recorded.
func NextCreation(s *run.State) Action {
	if s.Budget.Exhausted() {
		return Action{ActionPackage, "Budget exhausted; packaging current state"}
	}

	hasFiles := len(s.Files) > 0
	compileOK := s.TestOK()
	manual := s.Flags.ManualOverride

	switch s.Current {
	case run.PhaseNone, run.PhaseQueued:
		if manual && s.Router != nil {
			return Action{ActionPlan, "Manual override: skip ROUTE"}
		}
		return Action{ActionRoute, "Starting route detection"}

	case run.PhaseRoute:
		return Action{ActionPlan, "Route ready; create plan"}

	case run.PhasePlan, run.PhaseReplan:
		return Action{ActionSanity, "Plan done; running sanity check"}

	case run.PhaseSanity:
		switch {
		case s.Obs.SanityOK == nil:
			return Action{ActionAskUser, "No sanity result; waiting for user"}
		case *s.Obs.SanityOK:
			return Action{ActionImplement, "Sanity passed; proceed to implementation"}
		case manual:
			return Action{ActionImplement, "Sanity failed but manual override enabled"}
		case s.Counters.ReplanLoops < MaxReplan:
			return Action{ActionReplan, "Sanity failed; try re-planning"}
		default:
			return Action{ActionAskUser, "Sanity failed and replan budget used"}
		}

	case run.PhaseImplement:
		if !hasFiles {
			return Action{ActionImplement, "No files yet; implement"}
		}
		return Action{ActionTest, "Files ready; run type check"}

	case run.PhaseTest:
		switch {
		case compileOK || s.Obs.CheckPass:
			return Action{ActionPackage, "Compile passed; package results"}
		case s.Obs.CheckFail:
			if s.Counters.FixLoops < MaxFix {
				return Action{ActionFix, "Compile failed; run fixer"}
			}
			if s.Counters.ReplanLoops < MaxReplan {
				return Action{ActionPackage, "Compile still failing after fix attempts; packaging"}
			}
			return Action{ActionPackage, "Compile failed after retries; packaging anyway"}
		default:
			return Action{ActionAskUser, "Waiting for check result"}
		}

	case run.PhaseFix:
		return Action{ActionTest, "Re-test after fixes"}

	case run.PhaseIntegTest:
		switch {
		case s.Obs.E2EPass:
			return Action{ActionPackage, "E2E passed; finalize"}
		case s.Obs.E2EFail && s.Counters.FixLoops < MaxFix:
			return Action{ActionFix, "E2E failed; attempt minimal fix"}
		case s.Obs.E2EFail && s.Counters.ReplanLoops < MaxReplan:
			return Action{ActionReplan, "E2E failed again; replan"}
		default:
			return Action{ActionPackage, "E2E failed; packaging state"}
		}

	case run.PhasePackage:
		return Action{ActionStop, "Run complete"}

	case run.PhaseStop:
		return Action{ActionStop, "Run already marked as stopped"}
	}

	return Action{ActionStop, "No transition defined; stopping"}
}

// NextModify decides the next action for a modification run.
//
// Description:
//
//	Modification runs interpret the prompt against the stored manifest,
//	apply localized edits, and verify. A failed verification retries
//	through the fixer until MaxFix, then falls back to one fresh
//	interpretation before packaging whatever passes.
func NextModify(s *run.State) Action {
	if s.Budget.Exhausted() {
		return Action{ActionPackage, "Budget exhausted; packaging current state"}
	}

	switch s.Current {
	case run.PhaseNone, run.PhaseQueued:
		return Action{ActionInterpret, "Start modify: interpret prompt vs manifest"}

	case run.PhaseInterpret:
		return Action{ActionModify, "Interpretation ready; plan localized edits"}

	case run.PhaseReinterpret:
		return Action{ActionModify, "Re-interpret after failed test"}

	case run.PhaseModify:
		return Action{ActionTest, "Patches applied; run static checks"}

	case run.PhaseTest:
		switch {
		case s.Obs.CheckPass:
			return Action{ActionPackage, "Checks passed; finalize"}
		case s.Obs.CheckFail:
			if s.Counters.FixLoops < MaxFix {
				return Action{ActionFix, "Checks failed; propose minimal fixes"}
			}
			return Action{ActionReinterpret, "Failed after retries; interpret afresh"}
		default:
			return Action{ActionPackage, "No check result; packaging current state"}
		}

	case run.PhaseFix:
		return Action{ActionTest, "Re-test after fixes"}

	case run.PhasePackage:
		return Action{ActionStop, "Modify run complete"}

	case run.PhaseStop:
		return Action{ActionStop, "Run already marked as stopped"}
	}

	return Action{ActionStop, "No transition defined; stopping"}
}
