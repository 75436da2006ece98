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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Implementer
// =============================================================================

// ImplSys is the implementer system prompt.
const ImplSys = "You are an implementer agent. Generate exactly one file for a React 18 + TypeScript app " +
	"according to the given plan and already-available dependency files. Output strict JSON."

// ErrNotInPlan is returned when a requested target has no descriptor in
// the plan. Callers treat it as a skip, not a retryable failure.
var ErrNotInPlan = errors.New("target file not in plan")

// maxDepBlobChars caps how much of a dependency file is inlined into a
// prompt before middle truncation kicks in.
const maxDepBlobChars = 40000

// FileResult is one successful single-file generation: the complete
// new content plus the model's short summary of what it did.
type FileResult struct {
	Path    string
	Content string
	Summary string
}

// planFileView is the minimal per-file projection included in prompts.
// Slices are normalized to empty so the JSON always shows arrays.
type planFileView struct {
	Name                 string            `json:"name"`
	Kind                 string            `json:"type"`
	Description          string            `json:"description"`
	Responsibilities     []string          `json:"responsibilities"`
	InternalDependencies []string          `json:"internalDependencies"`
	ExternalDependencies []string          `json:"externalDependencies"`
	Exports              []manifest.Export `json:"exports"`
	UsedBy               []string          `json:"usedBy"`
}

func planMinView(m *manifest.Manifest) []planFileView {
	out := make([]planFileView, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, planFileView{
			Name:                 f.Name,
			Kind:                 f.Kind,
			Description:          f.Description,
			Responsibilities:     orEmpty(f.Responsibilities),
			InternalDependencies: orEmpty(f.InternalDependencies),
			ExternalDependencies: orEmpty(f.ExternalDependencies),
			Exports:              orEmptyExports(f.Exports),
			UsedBy:               orEmpty(f.UsedBy),
		})
	}
	return out
}

// targetFileView is the target block of an implement prompt. It omits
// usedBy: consumers of the target are irrelevant while writing it.
type targetFileView struct {
	Name                 string            `json:"name"`
	Kind                 string            `json:"type"`
	Description          string            `json:"description"`
	Responsibilities     []string          `json:"responsibilities"`
	InternalDependencies []string          `json:"internalDependencies"`
	ExternalDependencies []string          `json:"externalDependencies"`
	Exports              []manifest.Export `json:"exports"`
}

// DepBlob pairs a dependency path with its current content.
type DepBlob struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DepBlobsFor collects the target's in-plan dependencies that already
// have content, in the target's declared dependency order.
func DepBlobsFor(target *manifest.FileDescriptor, m *manifest.Manifest, files map[string]string) []DepBlob {
	names := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		names[f.Name] = true
	}

	var blobs []DepBlob
	for _, dep := range target.InternalDependencies {
		if !names[dep] {
			continue
		}
		if content, ok := files[dep]; ok {
			blobs = append(blobs, DepBlob{Path: dep, Content: content})
		}
	}
	return blobs
}

// truncateBlob keeps the head and tail of an oversized blob with an
// elision marker between them. Limits are in runes.
func truncateBlob(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	head := string(runes[:limit*7/10])
	tail := string(runes[len(runes)-limit*2/10:])
	return head + "\n/* ... truncated ... */\n" + tail
}

// hardConstraintsFor returns the extra non-negotiable rules for the
// scaffold files whose exact shape the bundler depends on.
func hardConstraintsFor(name string) string {
	switch name {
	case "index.html":
		return `- The <body> element MUST have a clean reset and ensure it doesn't force scrollbars.
- Use <body class="m-0 p-0 h-full overflow-x-hidden">.
- The <body> element MUST contain these two direct children, in this order:
  <div id="root"></div>
  <script type="module" src="/src/main.tsx"></script>`
	case "package.json":
		return `- It MUST be compatible with a standard Vite + React 18 + TypeScript setup.
- scripts MUST look like this:
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview",
    "check": "tsc --noEmit"
  }
- you must include vite, react, react-dom, and typescript as dependencies/devDependencies.`
	case "tsconfig.json":
		return `- It MUST be compatible with a standard Vite + React 18 + TypeScript setup.`
	}
	return ""
}

func perFilePrompt(m *manifest.Manifest, domain, description string, target *manifest.FileDescriptor, depBlobs []DepBlob, constraints string) string {
	targetJSON := marshalJSON(targetFileView{
		Name:                 target.Name,
		Kind:                 target.Kind,
		Description:          target.Description,
		Responsibilities:     orEmpty(target.Responsibilities),
		InternalDependencies: orEmpty(target.InternalDependencies),
		ExternalDependencies: orEmpty(target.ExternalDependencies),
		Exports:              orEmptyExports(target.Exports),
	})
	planJSON := marshalJSON(planMinView(m))

	depPayload := make([]DepBlob, 0, len(depBlobs))
	for _, b := range depBlobs {
		depPayload = append(depPayload, DepBlob{Path: b.Path, Content: truncateBlob(b.Content, maxDepBlobChars)})
	}
	depJSON := marshalJSON(depPayload)

	special := ""
	if constraints != "" {
		special = "\nSpecial HARD constraints for THIS file:\n" + constraints
	}

	return "Application domain: " + domain + "\n" +
		"High-level project description:\n" + description + "\n\n" +
		"Goal\n" +
		"- Generate the SINGLE target file exactly as specified by its plan entry.\n" +
		"- Use React 18 + TypeScript conventions as needed. Keep code type safe!\n" +
		"- Respect the dependencies already provided (their contents are available below).\n" +
		"- Keep content runnable and aligned with the plan description.\n\n" +
		"Important rules\n" +
		"- Return ONLY a JSON object with this shape:\n" +
		"  {\n" +
		"    \"content\":\"<full file content>\",\n" +
		"    \"summary\":\"<short but informative summary>\"\n" +
		"  }\n" +
		"- NO extra text. NO markdown. NO backticks.\n" +
		"- Do not generate any other files than the target.\n" +
		"- The file must be COMPLETE and runnable.\n" +
		"- Do NOT leave TODOs for core logic.\n" +
		"- Do NOT use ellipses (\"...\") or pseudo-code.\n" +
		"- Do NOT reference functions, components, or types that are not defined in this file or imported from the plan/external deps.\n" +
		"- Keep within the target file's responsibilities in the plan.\n" +
		"- If the file exports named symbols, implement and export them.\n" +
		"- You MUST:\n" +
		"  - Import only from:\n" +
		"    - internal plan files listed in \"internalDependencies\"\n" +
		"    - external packages listed in \"externalDependencies\"\n" +
		"  - Export exactly the symbols listed under \"exports\" for this file (you may also have private helpers).\n" +
		"- Do NOT:\n" +
		"  - Add imports from files that are NOT in the plan.\n" +
		"  - Change the name or existence of listed exports.\n" +
		"- Use Tailwind Play CDN only if you generate index.html (no PostCSS).\n" +
		"- If file type is 'config' or 'data', keep code straightforward and valid.\n" +
		"- Use strict TypeScript typings for:\n" +
		"  - component props,\n" +
		"  - hook parameters/return values,\n" +
		"  - context values.\n" +
		"- Avoid `any` unless absolutely unavoidable; prefer explicit interfaces.\n" +
		"- Make sure JSX elements use correct React 18 + TSX types (e.g., React.FC<Props>).\n" +
		"- For each export object in \"exports\":\n" +
		"  - If \"kind\" is \"component\" and \"propsInterface\" is set, define that interface and use it for the component props.\n" +
		"  - If \"signature\" describes a function or hook shape, follow it closely for parameters and return type.\n\n" +
		"Summary requirements (STRICT):\n" +
		"- MAX 250-300 characters. \n" +
		"- Use \"teleprompter style\": short, dense, technical statements.\n" +
		"- Focus ONLY on behavior/side-effects not obvious from the plan (e.g., internal state, storage, timers, specific DOM listeners).\n" +
		"- NO \"This file contains...\", NO fluff, NO markdown.\n" +
		"- Focus on what isn't obvious from the plan description.\n\n" +
		special + "\n\n" +
		"Target file (from plan):\n" + targetJSON + "\n\n" +
		"Plan (files, minimal view):\n" + planJSON + "\n\n" +
		"Already-available dependency files (path + content):\n" + depJSON + "\n\n" +
		"Global style guidance:\n" + m.Style + "\n\n" +
		"TECHNICAL LAYOUT RULES:\n" +
		"- Never use fixed viewport units like 100vh or 100vw for layout containers; use 100% or flex-1.\n" +
		"- Ensure all elements stay within the bounds of their parent container.\n" +
		"- Use 'relative' positioning as the default for layout shells to avoid overlapping the parent's boundaries.\n" +
		"- The root layout should be responsive and use 'min-h-full' instead of 'h-screen'.\n\n" +
		"Before you respond:\n" +
		"- Internally verify that:\n" +
		"  - All named exports listed in \"exports\" exist and are correctly exported.\n" +
		"  - All imports refer to modules listed in the plan or externalDependencies.\n" +
		"  - There are no obvious TypeScript errors (missing types, invalid JSX attributes, etc.).\n" +
		"Then respond with the final JSON only."
}

// ImplementFile generates exactly one plan file.
//
// Description:
//
//	Performs a single backend call; retry and backoff policy belongs to
//	the caller. Returns ErrNotInPlan when targetName has no descriptor,
//	which callers log as a skip instead of retrying.
//
// Inputs:
//   - files: the current file map, read for dependency contents only.
//   - model: implementer model; empty lets the client pick its default.
func ImplementFile(ctx context.Context, c Client, m *manifest.Manifest, domain, description, targetName string, files map[string]string, model string) (*FileResult, error) {
	target := m.Descriptor(targetName)
	if target == nil {
		return nil, ErrNotInPlan
	}

	depBlobs := DepBlobsFor(target, m, files)
	prompt := perFilePrompt(m, domain, description, target, depBlobs, hardConstraintsFor(targetName))

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentImplementer,
		Model:  model,
		System: ImplSys,
		User:   prompt,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Content string `json:"content"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		return nil, fmt.Errorf("implementer returned unparseable JSON: %w", err)
	}
	if strings.TrimSpace(data.Content) == "" {
		return nil, fmt.Errorf("response 'content' must be a non-empty string")
	}

	return &FileResult{Path: targetName, Content: data.Content, Summary: data.Summary}, nil
}

// =============================================================================
// Shared JSON Helpers
// =============================================================================

// marshalJSON encodes prompt payloads without HTML escaping so JSX in
// descriptions and file contents reaches the model verbatim.
func marshalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// marshalJSONIndent is marshalJSON with two-space indentation, for the
// prompt sections that read better pretty-printed.
func marshalJSONIndent(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func orEmptyExports(es []manifest.Export) []manifest.Export {
	if es == nil {
		return []manifest.Export{}
	}
	return es
}
