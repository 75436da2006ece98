// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

const validChangeJSON = `{
  "name": "src/App.tsx",
  "type": "component",
  "description": "Root component with the new dark-mode toggle.",
  "responsibilities": ["Compose the page"],
  "props": [],
  "externalDependencies": ["react"],
  "internalDependencies": ["src/util/format.ts"],
  "usedBy": ["src/main.tsx"],
  "exports": [
    {
      "name": "default",
      "kind": "component",
      "propsInterface": "AppProps",
      "description": "Root component",
      "signature": "(props: AppProps) => JSX.Element"
    }
  ],
  "modify_kind": "edit",
  "modify_desc": "Add a dark-mode toggle button to the header."
}`

// changeSetJSON wraps a mutated copy of the valid change fixture into a
// changes envelope.
func changeSetJSON(t *testing.T, fn func(ch map[string]any)) []byte {
	t.Helper()
	var ch map[string]any
	if err := json.Unmarshal([]byte(validChangeJSON), &ch); err != nil {
		t.Fatalf("decode change fixture: %v", err)
	}
	fn(ch)
	raw, err := json.Marshal(map[string]any{"changes": []any{ch}})
	if err != nil {
		t.Fatalf("encode change fixture: %v", err)
	}
	return raw
}

func assertStderrLog(t *testing.T, hub *events.Hub, runID, want string) {
	t.Helper()
	for _, ev := range hub.History(runID) {
		if ev.Type != events.TypeLog {
			continue
		}
		stream, _ := ev.Data["stream"].(string)
		chunk, _ := ev.Data["chunk"].(string)
		if stream == "stderr" && strings.Contains(chunk, want) {
			return
		}
	}
	t.Errorf("no stderr log containing %q was published", want)
}

// =============================================================================
// ValidateChanges
// =============================================================================

func TestValidateChanges_Valid(t *testing.T) {
	changes, err := ValidateChanges([]byte(`{"changes":[` + validChangeJSON + `]}`))
	if err != nil {
		t.Fatalf("ValidateChanges() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}
	ch := changes[0]
	if ch.Name != "src/App.tsx" || ch.Op != manifest.OpEdit {
		t.Errorf("change = %+v", ch)
	}
	if ch.Rationale == "" {
		t.Error("modify_desc not carried into Rationale")
	}
}

func TestValidateChanges_EmptyIsValid(t *testing.T) {
	changes, err := ValidateChanges([]byte(`{"changes": []}`))
	if err != nil {
		t.Fatalf("ValidateChanges() error = %v", err)
	}
	if changes == nil || len(changes) != 0 {
		t.Errorf("changes = %v, want empty non-nil slice", changes)
	}
}

func TestValidateChanges_TopLevelShape(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantFailure string
	}{
		{"array top level", `[]`, "Top-level must be an object."},
		{"null top level", `null`, "Top-level must be an object."},
		{"changes not a list", `{"changes": {}}`, "'changes' must be a list."},
		{"changes missing", `{}`, "'changes' must be a list."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateChanges([]byte(tt.raw))

			var cve *ChangesValidationError
			if !errors.As(err, &cve) {
				t.Fatalf("error = %v, want *ChangesValidationError", err)
			}
			if cve.Error() != "Change plan validation failed" {
				t.Errorf("Error() = %q", cve.Error())
			}
			if !strings.Contains(strings.Join(cve.Failures, "\n"), tt.wantFailure) {
				t.Errorf("failures = %v, want %q", cve.Failures, tt.wantFailure)
			}
		})
	}
}

func TestValidateChanges_MissingKeys(t *testing.T) {
	_, err := ValidateChanges([]byte(`{"changes":[{}]}`))

	var cve *ChangesValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("error = %v, want *ChangesValidationError", err)
	}
	if len(cve.Failures) != 10 {
		t.Errorf("len(Failures) = %d, want one per required key", len(cve.Failures))
	}
	joined := strings.Join(cve.Failures, "\n")
	for _, want := range []string{
		"changes[0] missing `name`.",
		"changes[0] missing `modify_kind`.",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("failures missing %q", want)
		}
	}
	if cve.Error() != "Change plan validation failed with 10 issues." {
		t.Errorf("Error() = %q", cve.Error())
	}
}

func TestValidateChanges_FieldFailures(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ch map[string]any)
		wantErr string
	}{
		{
			name:    "blank name",
			fn:      func(ch map[string]any) { ch["name"] = "  " },
			wantErr: "changes[0].name must be non-empty string.",
		},
		{
			name:    "unknown type",
			fn:      func(ch map[string]any) { ch["type"] = "widget" },
			wantErr: "changes[0].type invalid: 'widget'",
		},
		{
			name:    "numeric type",
			fn:      func(ch map[string]any) { ch["type"] = 7 },
			wantErr: "changes[0].type invalid: 7",
		},
		{
			name:    "unknown op",
			fn:      func(ch map[string]any) { ch["modify_kind"] = "rename" },
			wantErr: "changes[0].modify_kind invalid: 'rename'",
		},
		{
			name:    "blank modify_desc",
			fn:      func(ch map[string]any) { ch["modify_desc"] = "" },
			wantErr: "changes[0].modify_desc must be non-empty string.",
		},
		{
			name:    "list field not a list",
			fn:      func(ch map[string]any) { ch["usedBy"] = "src/main.tsx" },
			wantErr: "changes[0].usedBy must be a list.",
		},
		{
			name:    "non-string list entry",
			fn:      func(ch map[string]any) { ch["responsibilities"] = []any{"ok", 5} },
			wantErr: "changes[0].responsibilities[1] must be a string.",
		},
		{
			name: "export missing key",
			fn: func(ch map[string]any) {
				ch["exports"] = []any{map[string]any{
					"name":           "default",
					"kind":           "component",
					"propsInterface": "AppProps",
					"description":    "Root component",
				}}
			},
			wantErr: "changes[0].exports[0] missing `signature`.",
		},
		{
			name:    "export not an object",
			fn:      func(ch map[string]any) { ch["exports"] = []any{"default"} },
			wantErr: "changes[0].exports[0] must be an object.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateChanges(changeSetJSON(t, tt.fn))

			var cve *ChangesValidationError
			if !errors.As(err, &cve) {
				t.Fatalf("error = %v, want *ChangesValidationError", err)
			}
			if !strings.Contains(strings.Join(cve.Failures, "\n"), tt.wantErr) {
				t.Errorf("failures = %v, want one containing %q", cve.Failures, tt.wantErr)
			}
		})
	}
}

func TestValidateChanges_NullValuesPass(t *testing.T) {
	// A present-but-null scalar satisfies the key requirement and skips
	// the type check.
	changes, err := ValidateChanges(changeSetJSON(t, func(ch map[string]any) {
		ch["description"] = nil
	}))
	if err != nil {
		t.Fatalf("ValidateChanges() error = %v", err)
	}
	if changes[0].Description != "" {
		t.Errorf("Description = %q, want empty", changes[0].Description)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 300); got != "short" {
		t.Errorf("short text modified: %q", got)
	}

	long := strings.Repeat("d", 400)
	got := truncateText(long, 300)
	if len([]rune(got)) != 300 {
		t.Errorf("len = %d, want 300", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated text missing ellipsis: %q", got[len(got)-10:])
	}
}

// =============================================================================
// Interpretation Phases
// =============================================================================

func TestPlanImpactedFiles(t *testing.T) {
	mock := &MockClient{Response: `{"planned_changes":[{"name":"src/App.tsx","type":"component","modify_kind":"edit","reason":"houses the header"}]}`}

	planned, rawPlan, err := PlanImpactedFiles(context.Background(), mock, "add a dark-mode toggle", sampleImplManifest(), "")
	if err != nil {
		t.Fatalf("PlanImpactedFiles() error = %v", err)
	}
	if len(planned) != 1 || planned[0].Name != "src/App.tsx" || planned[0].Op != manifest.OpEdit {
		t.Errorf("planned = %+v", planned)
	}
	if !strings.Contains(string(rawPlan), "houses the header") {
		t.Error("raw planner response not returned verbatim")
	}

	calls := mock.CallsFor(AgentModifyPlanner)
	if len(calls) != 1 {
		t.Fatalf("planner calls = %d, want 1", len(calls))
	}
	if calls[0].Model != DefaultInterpretModel {
		t.Errorf("Model = %q, want %q", calls[0].Model, DefaultInterpretModel)
	}
	for _, want := range []string{"add a dark-mode toggle", `"name":"src/App.tsx"`} {
		if !strings.Contains(calls[0].User, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPlanImpactedFiles_MissingList(t *testing.T) {
	mock := &MockClient{Response: `{"answer":"nothing"}`}

	_, _, err := PlanImpactedFiles(context.Background(), mock, "p", sampleImplManifest(), "")
	if err == nil || !strings.Contains(err.Error(), "missing 'planned_changes'") {
		t.Errorf("error = %v, want missing planned_changes failure", err)
	}
}

func TestInterpretPrompt_NoPlannedImpact(t *testing.T) {
	mock := &MockClient{Responses: map[string]string{
		AgentModifyPlanner: `{"planned_changes": []}`,
	}}
	hub := events.NewHub()

	changes, err := InterpretPrompt(context.Background(), mock, hub, "run-1", "do something", sampleImplManifest())
	if err != nil {
		t.Fatalf("InterpretPrompt() error = %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("changes = %v, want empty", changes)
	}
	if got := len(mock.CallsFor(AgentModifyInterpreter)); got != 0 {
		t.Errorf("detailer called %d times after an empty plan", got)
	}
	assertStderrLog(t, hub, "run-1", "Planner could not identify any file-level impact")
}

func TestInterpretPrompt_TwoPhase(t *testing.T) {
	mock := &MockClient{Responses: map[string]string{
		AgentModifyPlanner:     `{"planned_changes":[{"name":"src/App.tsx","type":"component","modify_kind":"edit","reason":"header lives here"}]}`,
		AgentModifyInterpreter: `{"changes":[` + validChangeJSON + `]}`,
	}}

	changes, err := InterpretPrompt(context.Background(), mock, nil, "run-1", "add a dark-mode toggle", sampleImplManifest())
	if err != nil {
		t.Fatalf("InterpretPrompt() error = %v", err)
	}
	if len(changes) != 1 || changes[0].Name != "src/App.tsx" {
		t.Fatalf("changes = %+v", changes)
	}

	detailer := mock.CallsFor(AgentModifyInterpreter)
	if len(detailer) != 1 {
		t.Fatalf("detailer calls = %d, want 1", len(detailer))
	}
	prompt := detailer[0].User
	if !strings.Contains(prompt, "header lives here") {
		t.Error("detailer prompt missing the verbatim planner response")
	}
	if !strings.Contains(prompt, "src/App.tsx") {
		t.Error("detailer prompt missing the impacted file")
	}
	// The detailed manifest carries only the planner's picks.
	if strings.Contains(prompt, "package.json") {
		t.Error("detailer prompt leaks unselected manifest files")
	}
}

func TestInterpretPrompt_DetailerFindsNothing(t *testing.T) {
	mock := &MockClient{Responses: map[string]string{
		AgentModifyPlanner:     `{"planned_changes":[{"name":"src/App.tsx","modify_kind":"edit"}]}`,
		AgentModifyInterpreter: `{"changes": []}`,
	}}
	hub := events.NewHub()

	changes, err := InterpretPrompt(context.Background(), mock, hub, "run-2", "p", sampleImplManifest())
	if err != nil {
		t.Fatalf("InterpretPrompt() error = %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("changes = %v, want empty", changes)
	}
	if got := len(mock.CallsFor(AgentModifyReinterpret)); got != 0 {
		t.Errorf("reinterpreter called %d times for an explicit empty answer", got)
	}
	assertStderrLog(t, hub, "run-2", "could not find any safe file-level change")
}

func TestInterpretPrompt_ReinterpretsInvalidChanges(t *testing.T) {
	mock := &MockClient{Responses: map[string]string{
		AgentModifyPlanner:     `{"planned_changes":[{"name":"src/App.tsx","modify_kind":"edit"}]}`,
		AgentModifyInterpreter: `{"changes":[{"name":"src/App.tsx"}]}`,
		AgentModifyReinterpret: `{"changes":[` + validChangeJSON + `]}`,
	}}
	hub := events.NewHub()

	changes, err := InterpretPrompt(context.Background(), mock, hub, "run-3", "add a toggle", sampleImplManifest())
	if err != nil {
		t.Fatalf("InterpretPrompt() error = %v", err)
	}
	if len(changes) != 1 || changes[0].Op != manifest.OpEdit {
		t.Fatalf("changes = %+v", changes)
	}

	assertStderrLog(t, hub, "run-3", "Initial detailer JSON failed with")

	reruns := mock.CallsFor(AgentModifyReinterpret)
	if len(reruns) != 1 {
		t.Fatalf("reinterpreter calls = %d, want 1", len(reruns))
	}
	if reruns[0].Model != DefaultInterpretModel {
		t.Errorf("Model = %q, want %q", reruns[0].Model, DefaultInterpretModel)
	}
	prompt := reruns[0].User
	for _, want := range []string{
		"Your previous JSON change plan was INVALID.",
		"missing `type`",
		`{"name":"src/App.tsx"}`,
		"add a toggle",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("reinterpret prompt missing %q", want)
		}
	}
}

func TestReinterpretChanges_SecondFailureSurfaces(t *testing.T) {
	mock := &MockClient{Response: `{"changes":[{"name":"src/App.tsx"}]}`}

	_, err := ReinterpretChanges(context.Background(), mock, "p", sampleImplManifest(), json.RawMessage(`{}`), []string{"f"}, "")

	var cve *ChangesValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("error = %v, want *ChangesValidationError", err)
	}
	if got := len(mock.CallsFor(AgentModifyReinterpret)); got != 1 {
		t.Errorf("reinterpreter calls = %d, want exactly one corrective round", got)
	}
}
