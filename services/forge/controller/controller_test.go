// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"reflect"
	"testing"

	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

func boolPtr(b bool) *bool { return &b }

// creationState builds a creation-mode state in the given phase with a
// healthy budget, then applies mutations.
func creationState(phase run.Phase, mutate ...func(*run.State)) *run.State {
	s := run.NewState("test-run")
	s.EnsureCreationDefaults("build a thing", run.ModelSelection{}, "auto")
	s.Current = phase
	for _, fn := range mutate {
		fn(s)
	}
	return s
}

func modifyState(phase run.Phase, mutate ...func(*run.State)) *run.State {
	s := run.NewState("test-run")
	s.EnsureModifyDefaults("change a thing", 0)
	s.Current = phase
	for _, fn := range mutate {
		fn(s)
	}
	return s
}

func TestNextCreation_BudgetExhaustedAlwaysPackages(t *testing.T) {
	phases := []run.Phase{
		run.PhaseQueued, run.PhaseRoute, run.PhasePlan, run.PhaseSanity,
		run.PhaseImplement, run.PhaseTest, run.PhaseFix, run.PhasePackage,
		run.PhaseStop,
	}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			s := creationState(phase, func(s *run.State) {
				s.Budget.Retries = 0
			})
			if a := NextCreation(s); a.Kind != ActionPackage {
				t.Errorf("Kind = %v, want PACKAGE", a.Kind)
			}

			s = creationState(phase, func(s *run.State) {
				s.Budget.TokensLeft = 0
			})
			if a := NextCreation(s); a.Kind != ActionPackage {
				t.Errorf("tokens=0: Kind = %v, want PACKAGE", a.Kind)
			}
		})
	}
}

func TestNextCreation_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		state *run.State
		want  Kind
	}{
		{
			"queued_routes",
			creationState(run.PhaseQueued),
			ActionRoute,
		},
		{
			"none_routes",
			creationState(run.PhaseNone),
			ActionRoute,
		},
		{
			"queued_manual_override_skips_route",
			creationState(run.PhaseQueued, func(s *run.State) {
				s.Flags.ManualOverride = true
				s.Router = &run.RouterResult{Domain: "games"}
			}),
			ActionPlan,
		},
		{
			"queued_manual_without_router_still_routes",
			creationState(run.PhaseQueued, func(s *run.State) {
				s.Flags.ManualOverride = true
			}),
			ActionRoute,
		},
		{
			"route_plans",
			creationState(run.PhaseRoute),
			ActionPlan,
		},
		{
			"plan_sanity",
			creationState(run.PhasePlan),
			ActionSanity,
		},
		{
			"replan_sanity",
			creationState(run.PhaseReplan),
			ActionSanity,
		},
		{
			"sanity_pass_implements",
			creationState(run.PhaseSanity, func(s *run.State) {
				s.Obs.SanityOK = boolPtr(true)
			}),
			ActionImplement,
		},
		{
			"sanity_fail_replans",
			creationState(run.PhaseSanity, func(s *run.State) {
				s.Obs.SanityOK = boolPtr(false)
			}),
			ActionReplan,
		},
		{
			"sanity_fail_manual_implements_anyway",
			creationState(run.PhaseSanity, func(s *run.State) {
				s.Obs.SanityOK = boolPtr(false)
				s.Flags.ManualOverride = true
			}),
			ActionImplement,
		},
		{
			"sanity_fail_replan_budget_used_asks_user",
			creationState(run.PhaseSanity, func(s *run.State) {
				s.Obs.SanityOK = boolPtr(false)
				s.Counters.ReplanLoops = MaxReplan
			}),
			ActionAskUser,
		},
		{
			"sanity_no_result_asks_user",
			creationState(run.PhaseSanity),
			ActionAskUser,
		},
		{
			"implement_without_files_implements",
			creationState(run.PhaseImplement),
			ActionImplement,
		},
		{
			"implement_with_files_tests",
			creationState(run.PhaseImplement, func(s *run.State) {
				s.Files["src/App.tsx"] = "export default function App() {}"
			}),
			ActionTest,
		},
		{
			"test_pass_packages",
			creationState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckPass = true
				s.Metrics.SetStageOK("test", true)
			}),
			ActionPackage,
		},
		{
			"test_fail_fixes",
			creationState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckFail = true
			}),
			ActionFix,
		},
		{
			"test_fail_after_max_fix_packages",
			creationState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckFail = true
				s.Counters.FixLoops = MaxFix
			}),
			ActionPackage,
		},
		{
			"test_fail_everything_exhausted_packages",
			creationState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckFail = true
				s.Counters.FixLoops = MaxFix
				s.Counters.ReplanLoops = MaxReplan
			}),
			ActionPackage,
		},
		{
			"test_no_result_asks_user",
			creationState(run.PhaseTest),
			ActionAskUser,
		},
		{
			"fix_retests",
			creationState(run.PhaseFix),
			ActionTest,
		},
		{
			"integ_pass_packages",
			creationState(run.PhaseIntegTest, func(s *run.State) {
				s.Obs.E2EPass = true
			}),
			ActionPackage,
		},
		{
			"integ_fail_fixes",
			creationState(run.PhaseIntegTest, func(s *run.State) {
				s.Obs.E2EFail = true
			}),
			ActionFix,
		},
		{
			"integ_fail_after_max_fix_replans",
			creationState(run.PhaseIntegTest, func(s *run.State) {
				s.Obs.E2EFail = true
				s.Counters.FixLoops = MaxFix
			}),
			ActionReplan,
		},
		{
			"integ_fail_all_exhausted_packages",
			creationState(run.PhaseIntegTest, func(s *run.State) {
				s.Obs.E2EFail = true
				s.Counters.FixLoops = MaxFix
				s.Counters.ReplanLoops = MaxReplan
			}),
			ActionPackage,
		},
		{
			"integ_no_result_packages",
			creationState(run.PhaseIntegTest),
			ActionPackage,
		},
		{
			"package_stops",
			creationState(run.PhasePackage),
			ActionStop,
		},
		{
			"stop_stays_stopped",
			creationState(run.PhaseStop),
			ActionStop,
		},
		{
			"error_stops",
			creationState(run.PhaseError),
			ActionStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextCreation(tt.state)
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v (reason: %s)", got.Kind, tt.want, got.Reason)
			}
			if got.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestNextCreation_TestOKViaMetrics(t *testing.T) {
	// The overall pass flag alone routes to PACKAGE even without the
	// per-step observation.
	s := creationState(run.PhaseTest, func(s *run.State) {
		s.Metrics.SetStageOK("test", true)
	})
	if a := NextCreation(s); a.Kind != ActionPackage {
		t.Errorf("Kind = %v, want PACKAGE", a.Kind)
	}
}

func TestNextModify_BudgetExhaustedAlwaysPackages(t *testing.T) {
	phases := []run.Phase{
		run.PhaseQueued, run.PhaseInterpret, run.PhaseModify,
		run.PhaseTest, run.PhaseFix, run.PhaseStop,
	}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			s := modifyState(phase, func(s *run.State) {
				s.Budget.TokensLeft = 0
			})
			if a := NextModify(s); a.Kind != ActionPackage {
				t.Errorf("Kind = %v, want PACKAGE", a.Kind)
			}
		})
	}
}

func TestNextModify_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		state *run.State
		want  Kind
	}{
		{"queued_interprets", modifyState(run.PhaseQueued), ActionInterpret},
		{"none_interprets", modifyState(run.PhaseNone), ActionInterpret},
		{"interpret_modifies", modifyState(run.PhaseInterpret), ActionModify},
		{"reinterpret_modifies", modifyState(run.PhaseReinterpret), ActionModify},
		{"modify_tests", modifyState(run.PhaseModify), ActionTest},
		{
			"test_pass_packages",
			modifyState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckPass = true
			}),
			ActionPackage,
		},
		{
			"test_fail_fixes",
			modifyState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckFail = true
			}),
			ActionFix,
		},
		{
			"test_fail_after_max_fix_reinterprets",
			modifyState(run.PhaseTest, func(s *run.State) {
				s.Obs.CheckFail = true
				s.Counters.FixLoops = MaxFix
			}),
			ActionReinterpret,
		},
		{
			"test_no_result_packages",
			modifyState(run.PhaseTest),
			ActionPackage,
		},
		{"fix_retests", modifyState(run.PhaseFix), ActionTest},
		{"package_stops", modifyState(run.PhasePackage), ActionStop},
		{"stop_stays_stopped", modifyState(run.PhaseStop), ActionStop},
		{"error_stops", modifyState(run.PhaseError), ActionStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextModify(tt.state)
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v (reason: %s)", got.Kind, tt.want, got.Reason)
			}
		})
	}
}

func TestNext_DispatchesByMode(t *testing.T) {
	creation := creationState(run.PhaseQueued)
	if a := Next(creation); a.Kind != ActionRoute {
		t.Errorf("creation Kind = %v, want ROUTE", a.Kind)
	}

	modify := modifyState(run.PhaseQueued)
	if a := Next(modify); a.Kind != ActionInterpret {
		t.Errorf("modify Kind = %v, want INTERPRET", a.Kind)
	}
}

func TestNext_IsPure(t *testing.T) {
	s := creationState(run.PhaseTest, func(s *run.State) {
		s.Obs.CheckFail = true
		s.Counters.FixLoops = 2
	})
	before := s.Clone()

	first := NextCreation(s)
	second := NextCreation(s)

	if first != second {
		t.Errorf("repeated calls differ: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(before.Counters, s.Counters) ||
		!reflect.DeepEqual(before.Obs, s.Obs) ||
		before.Current != s.Current {
		t.Error("decision mutated the state")
	}
}
