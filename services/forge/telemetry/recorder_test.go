// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

func finishedState() *run.State {
	s := run.NewState("run-telemetry")
	s.Mode = run.ModeCreate
	s.Router = &run.RouterResult{Domain: "games"}
	s.Files["index.ts"] = "export {}"
	s.Files["game.ts"] = "export {}"
	s.AddStep(run.StepRecord{Step: 0, Action: "ROUTE"})
	s.AddStep(run.StepRecord{Step: 1, Action: "PLAN"})
	s.Tokens.Add("planner", 1200, 400)
	s.Tokens.Add("implementer", 3000, 2000)
	s.Budget = run.Budget{Retries: 1, TokensLeft: 93400}
	s.Counters.FixLoops = 2

	base := time.Now().Add(-time.Minute).UnixMilli()
	s.Metrics["plan"] = &run.StageMetric{StartMS: base, EndMS: base + 4000}
	ok := true
	s.Metrics["test"] = &run.StageMetric{StartMS: base + 4000, EndMS: base + 9000, OK: &ok}
	// Stage still open when the run died; must not produce a point.
	s.Metrics["package"] = &run.StageMetric{StartMS: base + 9000}

	s.Finished = true
	s.FinishedAt = time.Now()
	return s
}

func TestRunPoints(t *testing.T) {
	s := finishedState()

	points := runPoints(s)
	if len(points) != 3 {
		t.Fatalf("len(points) = %d, want 3 (summary + 2 closed stages)", len(points))
	}

	summary := points[0]
	if summary.Name() != "forge_run" {
		t.Errorf("measurement = %q, want forge_run", summary.Name())
	}
	tags := map[string]string{}
	for _, tag := range summary.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["mode"] != "create" {
		t.Errorf("mode tag = %q", tags["mode"])
	}
	if tags["outcome"] != "passed" {
		t.Errorf("outcome tag = %q", tags["outcome"])
	}
	if tags["domain"] != "games" {
		t.Errorf("domain tag = %q", tags["domain"])
	}

	fields := map[string]interface{}{}
	for _, f := range summary.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["prompt_tokens"] != int64(4200) {
		t.Errorf("prompt_tokens = %v, want 4200", fields["prompt_tokens"])
	}
	if fields["completion_tokens"] != int64(2400) {
		t.Errorf("completion_tokens = %v, want 2400", fields["completion_tokens"])
	}
	if fields["steps"] != int64(2) {
		t.Errorf("steps = %v, want 2", fields["steps"])
	}
	if fields["files"] != int64(2) {
		t.Errorf("files = %v, want 2", fields["files"])
	}
	if fields["fix_loops"] != int64(2) {
		t.Errorf("fix_loops = %v, want 2", fields["fix_loops"])
	}

	stages := map[string]bool{}
	for _, p := range points[1:] {
		if p.Name() != "forge_stage" {
			t.Errorf("measurement = %q, want forge_stage", p.Name())
		}
		for _, tag := range p.TagList() {
			if tag.Key == "stage" {
				stages[tag.Value] = true
			}
		}
	}
	if !stages["plan"] || !stages["test"] {
		t.Errorf("stage points = %v, want plan and test", stages)
	}
	if stages["package"] {
		t.Error("open stage produced a point")
	}
}

func TestRunPoints_FailedRunWithoutRouter(t *testing.T) {
	s := run.NewState("run-failed")
	s.Mode = run.ModeModify
	s.Finished = true
	s.FinishedAt = time.Now()

	points := runPoints(s)
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}
	tags := map[string]string{}
	for _, tag := range points[0].TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["outcome"] != "failed" {
		t.Errorf("outcome = %q, want failed", tags["outcome"])
	}
	if tags["mode"] != "modify" {
		t.Errorf("mode = %q, want modify", tags["mode"])
	}
}

func TestNopRecorder(t *testing.T) {
	// Must not panic, even with a nil state.
	Nop{}.RecordRun(context.Background(), nil)
	Nop{}.RecordRun(context.Background(), run.NewState("x"))
}
