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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Modify Interpreter
// =============================================================================
//
// Interpretation is two-phase. A planner pass picks WHICH files to
// touch from a lightweight manifest projection; a detailer pass then
// expands those picks into full change specifications against the
// detailed descriptors. Keeping the first pass cheap lets the second
// see complete metadata for only the files that matter.

// ChangesValidationError reports a structurally invalid change plan,
// carrying the offending response and failure list for the corrective
// reinterpret round.
type ChangesValidationError struct {
	Response json.RawMessage
	Failures []string

	msg string
}

func (e *ChangesValidationError) Error() string { return e.msg }

// InterpretSys is the system prompt shared by the detailer and
// reinterpret calls.
const InterpretSys = "You are a senior full-stack engineer. Your task is to produce a precise, minimal set of\n" +
	"FILE-LEVEL changes for a TypeScript/React project, based on a manifest that describes\n" +
	"every file in the project.\n\n" +
	"You will receive:\n" +
	"1) A natural-language user request.\n" +
	"2) A manifest describing all current project files (or a subset of them).\n" +
	"3) A prior planning step that already decided WHICH files to touch and WHAT kind of\n" +
	"   modification they need.\n\n" +
	"YOUR OUTPUT MUST BE STRICT JSON:\n" +
	"{ \"changes\": [ { ... }, { ... } ] }\n" +
	"No prose. No markdown. No comments. JSON only.\n\n" +
	"BEHAVIOR RULES:\n" +
	"• Prefer returning one or more concrete file-level changes that would reasonably address\n" +
	"  the user request.\n" +
	"• If you are NOT fully sure what the exact implementation looks like, you may still return\n" +
	"  CANDIDATE changes: pick the most relevant files and in `modify_desc` explain, in natural\n" +
	"  language, what should be changed IF the implementation matches your assumptions.\n" +
	"  Example: \"If GameBoard uses absolute positioning for tiles, switch to CSS grid with\n" +
	"  gridTemplateColumns = repeat(size, 1fr) so tiles stay square.\"\n" +
	"• Only if you truly cannot identify ANY reasonable candidate file or change for the request,\n" +
	"  you may return an EMPTY `changes` array: { \"changes\": [] }.\n\n" +
	"STRUCTURE RULES:\n" +
	"• Each change must include modify_kind and modify_desc.\n" +
	"• modify_kind must be one of: edit | new_file | delete_file.\n\n" +
	"Each change object MUST have:\n" +
	"  name, type, description, responsibilities, props, externalDependencies,\n" +
	"  internalDependencies, usedBy, exports, modify_kind, modify_desc.\n\n" +
	"For existing files, 'name' must match the manifest exactly. For new files, it must not exist.\n" +
	"Be dependency-aware: if you change any export, you must also update dependents.\n" +
	"Only JSON. Output nothing else."

// ModifyPlannerSys is the system prompt for the file-impact planner.
const ModifyPlannerSys = "You are a senior full-stack engineer.\n" +
	"Your ONLY job in this step is to decide WHICH FILES should be changed in a TypeScript/React\n" +
	"project for a given user request, and WHAT KIND of change they need.\n\n" +
	"You are NOT writing detailed implementation specs here.\n" +
	"You only output a compact list of planned changes.\n\n" +
	"STRICT JSON ONLY:\n" +
	"{ \"planned_changes\": [ { ... }, { ... } ] }\n\n" +
	"Each planned change must have:\n" +
	"  - name (string, file path)\n" +
	"  - type (string, e.g. component/page/hook/...)\n" +
	"  - modify_kind (edit | new_file | delete_file)\n" +
	"  - reason (short natural-language justification)\n\n" +
	"Prefer returning a SMALL number of files (e.g. 1–5) that are most relevant.\n" +
	"If you truly cannot identify any reasonable file-level impact, return:\n" +
	"{ \"planned_changes\": [] }"

// plannerFileView is the lightweight per-file projection the impact
// planner sees: enough to decide WHICH files matter, nothing more.
// Descriptions are clipped to 300 runes.
type plannerFileView struct {
	Name                 string   `json:"name"`
	Kind                 string   `json:"type"`
	Description          string   `json:"description"`
	Responsibilities     []string `json:"responsibilities"`
	InternalDependencies []string `json:"internalDependencies"`
	ExternalDependencies []string `json:"externalDependencies"`
	UsedBy               []string `json:"usedBy"`
}

func buildPlannerManifest(m *manifest.Manifest) []plannerFileView {
	if m == nil {
		return []plannerFileView{}
	}
	out := make([]plannerFileView, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, plannerFileView{
			Name:                 f.Name,
			Kind:                 f.Kind,
			Description:          truncateText(f.Description, 300),
			Responsibilities:     orEmpty(f.Responsibilities),
			InternalDependencies: orEmpty(f.InternalDependencies),
			ExternalDependencies: orEmpty(f.ExternalDependencies),
			UsedBy:               orEmpty(f.UsedBy),
		})
	}
	return out
}

// detailedManifestForPlan restricts the manifest to the files the
// planner marked as impacted, in plan order.
func detailedManifestForPlan(m *manifest.Manifest, planned []manifest.PlannedChange) *manifest.Manifest {
	selected := &manifest.Manifest{Files: []manifest.FileDescriptor{}}
	if m == nil {
		return selected
	}
	for _, ch := range planned {
		if d := m.Descriptor(ch.Name); d != nil {
			selected.Files = append(selected.Files, *d)
		}
	}
	return selected
}

func truncateText(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func plannerUserPrompt(prompt string, view []plannerFileView) string {
	return "User request for modification:\n" + prompt + "\n\n" +
		"Project files (lightweight manifest):\n" + marshalJSON(view) + "\n\n" +
		"Decide which files should be EDITED, DELETED, or which NEW files should be created.\n" +
		"Return ONLY the JSON object: { \"planned_changes\": [ ... ] }"
}

func detailerUserPrompt(prompt string, rawPlan json.RawMessage, detailed *manifest.Manifest) string {
	return "User request for modification:\n" + prompt + "\n\n" +
		"Planned file-level impacts (from a previous planning step):\n" + string(rawPlan) + "\n\n" +
		"Relevant project files (detailed manifest):\n" + marshalJSON(detailed) + "\n\n" +
		"You MUST now produce a precise JSON object of file-level changes.\n" +
		"Your output MUST follow this schema:\n" +
		"{ \"changes\": [ { ... } ] }\n\n" +
		"Each change MUST include: name, type, description, responsibilities,\n" +
		"props, externalDependencies, internalDependencies, usedBy, exports,\n" +
		"modify_kind, modify_desc.\n\n" +
		"Use `modify_kind` from the plan when applicable.\n" +
		"Return ONLY the JSON object: { \"changes\": [ ... ] }"
}

// PlanImpactedFiles runs the first interpretation phase: which files a
// modification request touches and what kind of change each needs.
//
// The raw response is returned alongside the typed changes because the
// detailer prompt embeds it verbatim.
func PlanImpactedFiles(ctx context.Context, c Client, prompt string, m *manifest.Manifest, model string) ([]manifest.PlannedChange, json.RawMessage, error) {
	if model == "" {
		model = DefaultInterpretModel
	}

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentModifyPlanner,
		Model:  model,
		System: ModifyPlannerSys,
		User:   plannerUserPrompt(prompt, buildPlannerManifest(m)),
	})
	if err != nil {
		return nil, nil, err
	}

	var raw struct {
		PlannedChanges []manifest.PlannedChange `json:"planned_changes"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
		return nil, nil, fmt.Errorf("planner response is not valid JSON: %w", err)
	}
	if raw.PlannedChanges == nil {
		return nil, nil, fmt.Errorf("planner response missing 'planned_changes' list")
	}
	return raw.PlannedChanges, json.RawMessage(resp.Content), nil
}

// =============================================================================
// Change Validation
// =============================================================================

// ValidateChanges checks a raw detailer response against the change
// contract and returns the typed changes on success.
//
// An empty changes array is valid: it is the interpreter's way of
// saying no safe change exists for the request.
func ValidateChanges(raw []byte) ([]manifest.Change, error) {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, &ChangesValidationError{
			Response: append(json.RawMessage(nil), raw...),
			Failures: []string{"Top-level must be an object."},
			msg:      "Change plan validation failed",
		}
	}

	changes, isList := top["changes"].([]any)
	if !isList {
		return nil, &ChangesValidationError{
			Response: marshalResponse(top),
			Failures: []string{"'changes' must be a list."},
			msg:      "Change plan validation failed",
		}
	}
	if len(changes) == 0 {
		return []manifest.Change{}, nil
	}

	requiredKeys := []string{
		"name",
		"type",
		"description",
		"responsibilities",
		"externalDependencies",
		"internalDependencies",
		"exports",
		"usedBy",
		"modify_kind",
		"modify_desc",
	}
	listFields := []string{
		"responsibilities",
		"props",
		"internalDependencies",
		"externalDependencies",
		"usedBy",
		"exports",
	}
	exportKeys := []string{"name", "kind", "propsInterface", "description", "signature"}

	var failures []string
	for idx, item := range changes {
		ch, isObj := item.(map[string]any)
		if !isObj {
			failures = append(failures, fmt.Sprintf("changes[%d] must be an object.", idx))
			continue
		}

		for _, k := range requiredKeys {
			if _, present := ch[k]; !present {
				failures = append(failures, fmt.Sprintf("changes[%d] missing `%s`.", idx, k))
			}
		}

		if v, present := ch["name"]; present && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) == "" {
				failures = append(failures, fmt.Sprintf("changes[%d].name must be non-empty string.", idx))
			}
		}
		if v, present := ch["type"]; present && v != nil {
			if s, isStr := v.(string); !isStr || !manifest.KnownKind(s) {
				failures = append(failures, fmt.Sprintf("changes[%d].type invalid: %s", idx, reprValue(v)))
			}
		}
		if v, present := ch["description"]; present && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) == "" {
				failures = append(failures, fmt.Sprintf("changes[%d].description must be non-empty string.", idx))
			}
		}
		if v, present := ch["modify_kind"]; present && v != nil {
			s, isStr := v.(string)
			if !isStr || !manifest.KnownOp(manifest.ChangeOp(s)) {
				failures = append(failures, fmt.Sprintf("changes[%d].modify_kind invalid: %s", idx, reprValue(v)))
			}
		}
		if v, present := ch["modify_desc"]; present && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) == "" {
				failures = append(failures, fmt.Sprintf("changes[%d].modify_desc must be non-empty string.", idx))
			}
		}

		for _, field := range listFields {
			v, present := ch[field]
			if !present {
				continue
			}
			value, isListField := v.([]any)
			if !isListField {
				failures = append(failures, fmt.Sprintf("changes[%d].%s must be a list.", idx, field))
				continue
			}
			for j, entry := range value {
				if field == "exports" {
					e, isExportObj := entry.(map[string]any)
					if !isExportObj {
						failures = append(failures, fmt.Sprintf("changes[%d].exports[%d] must be an object.", idx, j))
						continue
					}
					for _, ek := range exportKeys {
						if _, has := e[ek]; !has {
							failures = append(failures, fmt.Sprintf("changes[%d].exports[%d] missing `%s`.", idx, j, ek))
						}
					}
				} else if _, isStr := entry.(string); !isStr {
					failures = append(failures, fmt.Sprintf("changes[%d].%s[%d] must be a string.", idx, field, j))
				}
			}
		}
	}

	if len(failures) > 0 {
		return nil, &ChangesValidationError{
			Response: marshalResponse(top),
			Failures: failures,
			msg:      fmt.Sprintf("Change plan validation failed with %d issues.", len(failures)),
		}
	}

	var typed struct {
		Changes []manifest.Change `json:"changes"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		failure := fmt.Sprintf("changes do not conform to the schema: %v", err)
		return nil, &ChangesValidationError{
			Response: marshalResponse(top),
			Failures: []string{failure},
			msg:      "Change plan validation failed with 1 issues.",
		}
	}
	if typed.Changes == nil {
		typed.Changes = []manifest.Change{}
	}
	return typed.Changes, nil
}

// reprValue renders a JSON value the way validation messages quote it:
// strings single-quoted, everything else bare.
func reprValue(v any) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprintf("%v", v)
}

func marshalResponse(m map[string]any) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// =============================================================================
// Interpret / Reinterpret Calls
// =============================================================================

// ReinterpretChanges asks the model to correct an invalid change plan.
//
// Inputs:
//   - m: the manifest slice the failing detailer round saw.
//   - badResponse: the rejected JSON, verbatim.
//   - failures: the validation failure strings to address.
//
// A second validation failure is returned as *ChangesValidationError;
// there is no third round.
func ReinterpretChanges(ctx context.Context, c Client, prompt string, m *manifest.Manifest, badResponse json.RawMessage, failures []string, model string) ([]manifest.Change, error) {
	if model == "" {
		model = DefaultInterpretModel
	}

	failsJSON, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation feedback: %w", err)
	}

	correction := "Your previous JSON change plan was INVALID.\n" +
		"You MUST fix ALL issues listed below:\n" + string(failsJSON) + "\n\n" +
		"Here is your previous invalid JSON:\n" + string(badResponse) + "\n\n" +
		"You MUST output a NEW full JSON object.\n" +
		"You may return an empty 'changes' array ONLY if you truly cannot identify any reasonable\n" +
		"candidate change for the user request.\n\n" +
		"User request:\n" + prompt + "\n\n" +
		"Manifest:\n" + marshalJSON(m) + "\n"

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentModifyReinterpret,
		Model:  model,
		System: InterpretSys,
		User:   correction,
	})
	if err != nil {
		return nil, err
	}
	return ValidateChanges([]byte(resp.Content))
}

// InterpretPrompt turns a natural-language modification request into a
// validated list of file-level changes.
//
// Description:
//
//	Runs both interpretation phases and one corrective reinterpret
//	round if the detailer's JSON fails validation. An empty result (the
//	planner or detailer finding nothing to do) is reported on the event
//	stream and returned as an empty slice, not an error.
func InterpretPrompt(ctx context.Context, c Client, hub *events.Hub, runID, prompt string, m *manifest.Manifest) ([]manifest.Change, error) {
	planned, rawPlan, err := PlanImpactedFiles(ctx, c, prompt, m, "")
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		emitLog(hub, runID, "stderr", "Planner could not identify any file-level impact (returned empty 'planned_changes').")
		return []manifest.Change{}, nil
	}

	detailed := detailedManifestForPlan(m, planned)
	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentModifyInterpreter,
		Model:  DefaultInterpretModel,
		System: InterpretSys,
		User:   detailerUserPrompt(prompt, rawPlan, detailed),
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Modify detailer raw response", "response", resp.Content)

	var probe struct {
		Changes []any `json:"changes"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &probe); err == nil {
		if probe.Changes != nil && len(probe.Changes) == 0 {
			emitLog(hub, runID, "stderr", "Interpreter (detailer) could not find any safe file-level change to apply for this request (returned an empty `changes` array).")
			return []manifest.Change{}, nil
		}
	}

	changes, err := ValidateChanges([]byte(resp.Content))
	if err != nil {
		cve, isValidation := err.(*ChangesValidationError)
		if !isValidation {
			return nil, err
		}
		emitLog(hub, runID, "stderr", fmt.Sprintf("Initial detailer JSON failed with %d issues, reinterpreting…", len(cve.Failures)))
		return ReinterpretChanges(ctx, c, prompt, detailed, cve.Response, cve.Failures, "")
	}
	return changes, nil
}

func emitLog(hub *events.Hub, runID, stream, chunk string) {
	if hub != nil {
		hub.Publish(runID, events.Log(stream, chunk))
	}
}
