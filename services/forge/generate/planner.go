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
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Planner
// =============================================================================

// PlanValidationError reports a structurally invalid plan. It carries
// the offending plan and the full failure list so a corrective replan
// round can feed both back to the model.
type PlanValidationError struct {
	Plan     json.RawMessage
	Failures []string

	msg string
}

func (e *PlanValidationError) Error() string { return e.msg }

// DefaultReplanTries is the number of corrective rounds attempted after
// the first replan before giving up on a run's plan.
const DefaultReplanTries = 2

// planSchemaJSON is the JSON schema embedded in planner prompts.
const planSchemaJSON = `{
  "type": "object",
  "properties": {
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string", "enum": ["component", "page", "hook", "context", "data", "style", "util", "router", "entry", "config"]},
          "description": {"type": "string"},
          "responsibilities": {"type": "array", "items": {"type": "string"}},
          "props": {"type": "array", "items": {"type": "string"}},
          "externalDependencies": {"type": "array", "items": {"type": "string"}},
          "internalDependencies": {"type": "array", "items": {"type": "string"}},
          "exports": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "name": {"type": "string"},
                "kind": {"type": "string"},
                "propsInterface": {"type": "string"},
                "description": {"type": "string"},
                "signature": {"type": "string"}
              },
              "required": ["name", "kind", "propsInterface", "description", "signature"]
            }
          }
        },
        "required": ["name", "type", "description", "responsibilities", "externalDependencies", "internalDependencies", "exports"]
      }
    },
    "style": {"type": "string"},
    "summary": {"type": "string"}
  },
  "required": ["files", "style", "summary"]
}`

// BaseSys is the planner system prompt, shared by plan and replan
// calls.
const BaseSys = "You are a senior project planner for a React 18 + TypeScript app that runs in an in-browser bundler (Sandpack). " +
	"Your job is to return a COMPLETE, UNAMBIGUOUS multi-file PLAN **as JSON only** that strictly matches the schema. " +
	"Do not include markdown fences, comments, or explanations—return pure JSON.\n\n" +
	"STRICT FILE CONTRACT (CRITICAL):\n" +
	"• Each file entry describes exactly one real file that will be generated later.\n" +
	"• You MUST split dependencies into:\n" +
	"  - 'internalDependencies': other files in THIS plan (paths that match their 'name' exactly).\n" +
	"  - 'externalDependencies': npm packages only (e.g., 'react', 'react-dom/client').\n" +
	"• The 'exports' array MUST contain objects, not just strings. For each export you MUST provide:\n" +
	"  - 'name': the exported symbol name (or 'default'),\n" +
	"  - 'kind': one of 'component' | 'hook' | 'context' | 'util' | 'type' | 'data' | 'config' | 'router' | 'entry',\n" +
	"  - 'signature': a brief human-readable description of its TypeScript shape or function signature,\n" +
	"  - 'description': what this export is for in the app.\n" +
	"• Filenames and import paths must be consistent and buildable. No placeholders. No magic. No missing extensions.\n" +
	"• No circular dependencies unless explicitly unavoidable and documented in 'description'. Prefer a DAG.\n" +
	"• Dependency way: domain & util → context → router → pages → smaller UI components.\n\n" +
	"GLOBAL FIELDS (TOP-LEVEL):\n" +
	"• 'style': a concise but concrete description of the overall UI/UX style to be implemented with Tailwind CSS. All components must be 'container-aware' and follow this style" +
	"(colors, spacing, typography, components feel).\n" +
	"• 'summary': a short, user-facing description of what the generated app will do.\n\n" +
	"HARD REQUIREMENTS:\n" +
	"0) Do not make circular dependencies!\n" +
	"1) Use MULTIPLE .ts/.tsx files under src/ (no inline Babel, no UMD, no <script type='text/babel'>).\n" +
	"2) index.html contains ONLY #root, SEO/meta, and Tailwind Play CDN (+ optional inline tailwind config). No app logic.\n" +
	"3) Entry MUST be src/main.tsx using React 18 createRoot and importing src/App.tsx.\n" +
	"4) Include package.json and tsconfig.json for React 18 + TypeScript.\n" +
	"5) Keep responsibilities small (components/, pages/, hooks/, context/, util/). Use clear, unique names.\n" +
	"6) Every file MUST have correct extension and explicit exports/imports that match the plan.\n" +
	"7) No external network calls or remote modules at runtime; everything must bundle in-browser.\n" +
	"8) Tailwind comes ONLY from the Play CDN in index.html. No PostCSS build steps.\n" +
	"9) Core domain models (e.g. Product, GameState, RouteConfig) MUST live in 1–2 dedicated data/util files " +
	"(e.g. 'src/domain/models.ts') and other files MUST import these types rather than redefining them.\n" +
	"10) At least one router file (type='router') under src/ MUST define the route table in its description: " +
	"for each route give path + page component file name.\n\n" +
	"OUTPUT RULES:\n" +
	"• Return ONLY JSON that matches the provided schema.\n" +
	"• 'files' must be a non-empty array of file entries.\n" +
	"• Each file entry MUST have: name, type, description, responsibilities, internalDependencies, externalDependencies, exports.\n" +
	"• All paths must be valid for a case-sensitive filesystem.\n" +
	"• Be concise but complete: the plan must be runnable without guessing.\n"

// RequiredFiles is the scaffold every plan must contain.
var RequiredFiles = []string{
	"index.html",
	"package.json",
	"tsconfig.json",
	"src/App.tsx",
	"src/main.tsx",
}

// DomainHints holds the per-domain planning checklist included in
// planner prompts. Lookups for unknown domains fall back to "general".
var DomainHints = map[string]string{
	"website": "Layout shell (Header, Footer), meta/SEO handling, simple hash routing, at least Home + Blog/Docs pages, " +
		"embedded content model (Markdown/JSON), basic search across content, sitemap stub route.",
	"webshop": "Product model + mock data, catalog grid + filters/sort, product detail page, cart context (add/remove/totals), " +
		"checkout stub page with route guard, currency/price util.",
	"dashboard": "Auth stub, sidebar + topbar layout, 2–3 widgets (charts/tables) with mock data, data-fetching util that can be swapped, " +
		"settings page with persisted preferences (localStorage).",
	"docs": "Docs layout with sidebar TOC, Markdown or MD-like content model, search over headings/body, deep-linkable headings, " +
		"sitemap and basic theming (light/dark).",
	"game": "Canvas element, game loop with requestAnimationFrame, input abstraction (keyboard/mouse), simple entity/state system, " +
		"restart/pause controls, minimal collision or scoring. Keep code split: engine util vs scene/game objects.",
	"general": "Balanced defaults: small router, layout, a couple of pages/screens, a shared state/context example, and a util or two.",
}

// TailwindNote is the styling constraint repeated in planner prompts.
const TailwindNote = "Load Tailwind **Play CDN** in index.html before your app script; optionally include inline tailwind config. " +
	"Do not use PostCSS or external build steps."

func domainHint(domain string) string {
	if hint, ok := DomainHints[domain]; ok {
		return hint
	}
	return DomainHints["general"]
}

// makePrompt builds the planner user prompt for a domain and project
// description.
func makePrompt(domain, description string) string {
	lines := make([]string, 0, len(RequiredFiles))
	for _, p := range RequiredFiles {
		lines = append(lines, "- "+p)
	}
	required := strings.Join(lines, "\n")

	return "Domain: " + domain + "\n\n" +
		"Project description:\n" + description + "\n\n" +
		"Constraints:\n" +
		"- React 18 + TypeScript (.tsx) running in an in-browser bundler (Sandpack)\n" +
		"- Tailwind via Play CDN in index.html (no PostCSS)\n" +
		"- Hash routing preferred (no react-router dependency unless justified)\n" +
		"- Deterministic routes and import paths; avoid ambiguity\n\n" +
		"Must include these files:\n" + required + "\n\n" +
		"TOP-LEVEL FIELDS:\n" +
		"- 'style': overall Tailwind-based visual style (colors, spacing, typography, component feel) that every file should follow.\n" +
		"- 'summary': short user-facing explanation of what this app will do once generated.\n\n" +
		"File field requirements (per file):\n" +
		"- 'name': full path (e.g. 'src/components/Header.tsx').\n" +
		"- 'type': one of component | page | hook | context | data | style | util | router | entry | config.\n" +
		"- 'description': what this file is for in the app.\n" +
		"- 'responsibilities': array of 1–3 short strings describing what this file does (and what it does NOT do).\n" +
		"- 'internalDependencies': ONLY other plan file names this file imports from (paths EXACTLY matching 'name').\n" +
		"- 'externalDependencies': ONLY npm package names this file imports (e.g. 'react').\n" +
		"- 'exports': array of objects with 'name', 'kind', 'propsInterface', 'signature', 'description'.\n" +
		"SILOS / DOMAIN MODELS:\n" +
		"- Put core domain models and shared types into 1–2 dedicated files under src/domain or src/model.\n" +
		"- Other files MUST import these types instead of redefining them.\n\n" +
		"Router requirements:\n" +
		"- At least one router file (type='router') under src/ (e.g. 'src/router.ts').\n" +
		"- Its 'description' MUST include a clear route table: path -> page file name.\n\n" +
		"Domain checklist:\n" + domainHint(domain) + "\n\n" +
		TailwindNote + "\n\n" +
		"In each file's 'description' field, explain everything that is critical for a future LLM to decide EXACTLY how to " +
		"implement this file (not generic marketing copy).\n\n" +
		"Schema (for JSON output):\n" + planSchemaJSON
}

// =============================================================================
// Plan Validation
// =============================================================================

// ValidatePlan checks a raw planner response against the plan contract
// and returns the typed manifest on success.
//
// Description:
//
//	Validation happens on the generic JSON shape so that missing keys,
//	wrong types, and unknown enum values each produce the precise
//	failure string a replan round needs. Before returning (or failing),
//	usedBy is recomputed for every file as the exact-name inverse of
//	internalDependencies; authored usedBy values are discarded.
//
//	Failures are accumulated rather than short-circuited, with one
//	exception: a missing or empty files array aborts immediately since
//	nothing else can be checked.
func ValidatePlan(raw []byte) (*manifest.Manifest, error) {
	var plan map[string]any
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}

	var failures []string

	if s, ok := plan["style"].(string); !ok || strings.TrimSpace(s) == "" {
		failures = append(failures, "style must be a non-empty string")
	}
	if s, ok := plan["summary"].(string); !ok || strings.TrimSpace(s) == "" {
		failures = append(failures, "summary must be a non-empty string")
	}

	files, ok := plan["files"].([]any)
	if !ok || len(files) == 0 {
		failures = append(failures, "files must be a non-empty LIST")
		return nil, &PlanValidationError{
			Plan:     marshalPlan(plan),
			Failures: failures,
			msg:      "Basic plan structure validation failed",
		}
	}

	requiredKeys := []string{
		"name",
		"type",
		"description",
		"responsibilities",
		"internalDependencies",
		"externalDependencies",
		"exports",
	}
	exportKeys := []string{"name", "kind", "signature", "description", "propsInterface"}

	for idx, item := range files {
		f, ok := item.(map[string]any)
		if !ok {
			failures = append(failures, fmt.Sprintf("files[%d] must be an object", idx))
			continue
		}

		for _, k := range requiredKeys {
			if _, present := f[k]; !present {
				failures = append(failures, fmt.Sprintf("files[%d] missing `%s`", idx, k))
			}
		}

		if t, present := f["type"]; present {
			if ts, isStr := t.(string); !isStr || !manifest.KnownKind(ts) {
				failures = append(failures, fmt.Sprintf("files[%d].type invalid: %v", idx, t))
			}
		}

		if v, present := f["name"]; present {
			if s, isStr := v.(string); !isStr || s == "" {
				failures = append(failures, "file name must be non-empty string")
			}
		}
		if v, present := f["description"]; present {
			if s, isStr := v.(string); !isStr || s == "" {
				failures = append(failures, "description must be non-empty string")
			}
		}
		if v, present := f["responsibilities"]; present {
			if l, isList := v.([]any); !isList || len(l) == 0 {
				failures = append(failures, "responsibilities must be non-empty list")
			}
		}
		for _, listKey := range []string{"internalDependencies", "externalDependencies", "exports", "usedBy"} {
			if v, present := f[listKey]; present {
				if _, isList := v.([]any); !isList {
					failures = append(failures, listKey+" must be a list")
				}
			}
		}

		if exports, isList := f["exports"].([]any); isList {
			for eIdx, ei := range exports {
				e, isObj := ei.(map[string]any)
				if !isObj {
					failures = append(failures, fmt.Sprintf("files[%d].exports[%d] must be an object", idx, eIdx))
					continue
				}
				for _, key := range exportKeys {
					v, present := e[key]
					if !present {
						failures = append(failures, fmt.Sprintf("files[%d].exports[%d] missing `%s`", idx, eIdx, key))
						continue
					}
					if s, isStr := v.(string); !isStr || s == "" {
						failures = append(failures, fmt.Sprintf("files[%d].exports[%d].%s must be non-empty string", idx, eIdx, key))
					}
				}
			}
		}
	}

	planNames := make(map[string]bool)
	for _, item := range files {
		if f, isObj := item.(map[string]any); isObj {
			if name, isStr := f["name"].(string); isStr {
				planNames[name] = true
			}
		}
	}

	for _, item := range files {
		f, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		name, hasName := f["name"]
		internal, hasInternal := f["internalDependencies"]
		if !hasInternal || !hasName {
			continue
		}

		if deps, isList := internal.([]any); isList {
			for _, dep := range deps {
				ds, isStr := dep.(string)
				if !isStr {
					failures = append(failures, fmt.Sprintf("%v: internalDependencies entries must be strings", name))
				} else if !planNames[ds] {
					failures = append(failures, fmt.Sprintf("%v: internal dependency '%s' not found in plan files", name, ds))
				}
			}
		}

		if external, hasExternal := f["externalDependencies"]; hasExternal {
			if deps, isList := external.([]any); isList {
				for _, dep := range deps {
					ds, isStr := dep.(string)
					if !isStr {
						failures = append(failures, fmt.Sprintf("%v: externalDependencies entries must be strings", name))
					} else if planNames[ds] {
						failures = append(failures, fmt.Sprintf("%v: external dependency '%s' looks like a plan file name; "+
							"internalDependencies must be used for plan files.", name, ds))
					}
				}
			}
		}
	}

	// usedBy is derived state: recompute the exact-name inverse of the
	// dependency relation and overwrite whatever the model authored.
	computedUsedBy := make(map[string]map[string]bool, len(planNames))
	for name := range planNames {
		computedUsedBy[name] = make(map[string]bool)
	}
	for _, item := range files {
		f, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		name, isStr := f["name"].(string)
		if !isStr || name == "" {
			continue
		}
		deps, isList := f["internalDependencies"].([]any)
		if !isList {
			continue
		}
		for _, dep := range deps {
			if ds, ok := dep.(string); ok {
				if users, known := computedUsedBy[ds]; known {
					users[name] = true
				}
			}
		}
	}
	for _, item := range files {
		f, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		name, isStr := f["name"].(string)
		if !isStr || name == "" {
			continue
		}
		users := make([]string, 0, len(computedUsedBy[name]))
		for u := range computedUsedBy[name] {
			users = append(users, u)
		}
		sort.Strings(users)
		f["usedBy"] = users
	}

	// Scaffold presence: only the first missing file is reported.
	requiredFiles := []struct{ name, kind string }{
		{"index.html", manifest.KindConfig},
		{"package.json", manifest.KindConfig},
		{"tsconfig.json", manifest.KindConfig},
		{"src/App.tsx", ""},
		{"src/main.tsx", manifest.KindEntry},
	}
	for _, req := range requiredFiles {
		if err := requireFile(files, req.name, req.kind); err != nil {
			failures = append(failures, err.Error())
			break
		}
	}

	hasRouter := false
	for _, item := range files {
		if f, isObj := item.(map[string]any); isObj {
			kind, _ := f["type"].(string)
			name, _ := f["name"].(string)
			if kind == manifest.KindRouter && strings.HasPrefix(name, "src/") {
				hasRouter = true
				break
			}
		}
	}
	if !hasRouter {
		failures = append(failures, "missing router setup file (e.g., src/router.ts)")
	}

	if len(failures) > 0 {
		return nil, &PlanValidationError{
			Plan:     marshalPlan(plan),
			Failures: failures,
			msg:      fmt.Sprintf("Plan validation failed with %d issues", len(failures)),
		}
	}

	var m manifest.Manifest
	if err := json.Unmarshal(marshalPlan(plan), &m); err != nil {
		failure := fmt.Sprintf("plan does not conform to file schema: %v", err)
		return nil, &PlanValidationError{
			Plan:     marshalPlan(plan),
			Failures: []string{failure},
			msg:      "Plan validation failed with 1 issues",
		}
	}
	return &m, nil
}

func requireFile(files []any, name, kind string) error {
	for _, item := range files {
		f, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		if fn, _ := f["name"].(string); fn != name {
			continue
		}
		if kind == "" {
			return nil
		}
		if ft, _ := f["type"].(string); ft == kind {
			return nil
		}
	}
	if kind == "" {
		return fmt.Errorf("missing required file: %s", name)
	}
	return fmt.Errorf("missing required file: %s (type=%s)", name, kind)
}

func marshalPlan(plan map[string]any) json.RawMessage {
	raw, err := json.Marshal(plan)
	if err != nil {
		// Values built from json.Unmarshal always re-marshal.
		return json.RawMessage("{}")
	}
	return raw
}

// =============================================================================
// Plan / Replan Calls
// =============================================================================

// Plan asks the planner for a full project plan and validates it.
//
// Description:
//
//	A validation failure does not surface immediately: the failing plan
//	and its failure list are fed straight into a corrective replan
//	round, and replanTries caps how many further rounds may follow. The
//	error returned after exhaustion is the final round's
//	*PlanValidationError.
func Plan(ctx context.Context, c Client, description, domain, model string, replanTries int) (*manifest.Manifest, error) {
	if model == "" {
		model = DefaultPlannerModel
	}

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentPlanner,
		Model:  model,
		System: BaseSys,
		User:   makePrompt(domain, description),
	})
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	m, err := ValidatePlan([]byte(resp.Content))
	if err != nil {
		pve, isValidation := err.(*PlanValidationError)
		if !isValidation {
			return nil, err
		}
		slog.Warn("Plan validation failed, triggering replan", "error", pve, "failures", len(pve.Failures))
		return Replan(ctx, c, pve.Plan, description, pve.Failures, domain, model, replanTries)
	}
	return m, nil
}

// Replan asks the model to correct an invalid plan.
//
// Inputs:
//   - planJSON: the rejected plan, exactly as it failed validation.
//   - fails: the validation failure strings to address.
//   - tries: remaining corrective rounds after this one.
func Replan(ctx context.Context, c Client, planJSON []byte, description string, fails []string, domain, model string, tries int) (*manifest.Manifest, error) {
	if model == "" {
		model = DefaultReplanModel
	}

	failsJSON, err := json.Marshal(fails)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation feedback: %w", err)
	}

	prompt := "You must fix the plan based on the feedback and return the FULL corrected plan " +
		"as JSON strictly matching the schema. Do NOT return partial plans, prose, or " +
		"explanations. Keep the same multi-file structure and include all required fields.\n\n" +
		"Project description:\n" + description + "\n\n" +
		"Domain hint:\n" + domainHint(domain) + "\n\n" +
		"Schema:\n" + planSchemaJSON + "\n\n" +
		"Feedback to address (list):\n" + string(failsJSON) + "\n\n" +
		"Original plan (JSON):\n" + string(planJSON)

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentReplanner,
		Model:  model,
		System: BaseSys,
		User:   prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("replanner call failed: %w", err)
	}

	m, err := ValidatePlan([]byte(resp.Content))
	if err != nil {
		pve, isValidation := err.(*PlanValidationError)
		if !isValidation {
			return nil, err
		}
		slog.Warn("Plan validation failed, triggering replan", "error", pve, "tries_left", tries)
		if tries > 0 {
			return Replan(ctx, c, pve.Plan, description, pve.Failures, domain, model, tries-1)
		}
		return nil, pve
	}
	return m, nil
}
