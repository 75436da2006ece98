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
	"fmt"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Modify Implementer
// =============================================================================

// ModifySys is the system prompt for the modify-flow implementer.
const ModifySys = "You are a code modifier agent for a React 18 + TypeScript project.\n" +
	"You receive:\n" +
	"- A target file path.\n" +
	"- The current file content (possibly empty for new files).\n" +
	"- A list of small edit operations (ops) describing what must change.\n" +
	"- Lightweight manifest metadata about the file and its dependencies.\n\n" +
	"Your job:\n" +
	"- For existing files: apply the requested changes as minimally as possible.\n" +
	"- For new files: create idiomatic, clean, type-safe React + TypeScript code.\n" +
	"- Preserve TypeScript type safety.\n\n" +
	"CRITICAL TYPE CONTRACT RULES:\n" +
	"- Treat existing TypeScript interfaces, type aliases, enums, and exported component props as PUBLIC CONTRACTS.\n" +
	"- Do NOT change these contracts (rename/remove fields, change field types, change function signatures)\n" +
	"  UNLESS an op explicitly requires it.\n" +
	"- If ops only describe behavior or rendering changes, do NOT modify interfaces or exported types.\n" +
	"- If a new field is explicitly requested, add it in a backwards-compatible way and keep existing fields intact.\n\n" +
	"Output format (STRICT):\n" +
	"{\n" +
	"  \"patches\": [\n" +
	"    {\"path\": \"<exact target path>\", \"mode\": \"update\" | \"create\", \"content\": \"<full new file content>\"}\n" +
	"  ],\n" +
	"  \"summary\": \"<one-line summary of what changed>\"\n" +
	"}\n" +
	"- Return ONLY this JSON object. No markdown, no backticks, no extra text.\n"

// ErrNoCurrentContent is returned when an update is requested for a
// path with no content in the run's file map. Callers treat it as a
// skip.
var ErrNoCurrentContent = errors.New("no current file content in run.files")

// IsNewFileChange reports whether every op for a target introduces a
// new file. Only then is generation allowed to start from empty
// content.
func IsNewFileChange(ops []manifest.Change) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if op.Op != manifest.OpNewFile {
			return false
		}
	}
	return true
}

func modifyDepBlobs(meta *manifest.FileDescriptor, files map[string]string) []DepBlob {
	if meta == nil {
		return nil
	}
	var blobs []DepBlob
	for _, dep := range meta.InternalDependencies {
		if content, ok := files[dep]; ok {
			blobs = append(blobs, DepBlob{Path: dep, Content: content})
		}
	}
	return blobs
}

func modifyFilePrompt(targetName string, ops []manifest.Change, original string, meta *manifest.FileDescriptor, depBlobs []DepBlob, isNew bool) string {
	opsJSON := marshalJSONIndent(ops)
	if ops == nil {
		opsJSON = "[]"
	}

	metaJSON := "{}"
	if meta != nil {
		metaJSON = marshalJSONIndent(meta)
	}

	depPayload := make([]DepBlob, 0, len(depBlobs))
	for _, b := range depBlobs {
		depPayload = append(depPayload, DepBlob{Path: b.Path, Content: truncateBlob(b.Content, maxDepBlobChars)})
	}

	firstIntent := "(none provided)"
	if len(ops) > 0 && ops[0].Description != "" {
		firstIntent = ops[0].Description
	}

	modeDescription := "You will UPDATE exactly ONE existing file in a React 18 + TypeScript project."
	if isNew {
		modeDescription = "You will CREATE exactly ONE NEW file in a React 18 + TypeScript project."
	}

	return modeDescription + "\n\n" +
		"Target file path:\n" + targetName + "\n\n" +
		"High-level intent (from first op, if any):\n" + firstIntent + "\n\n" +
		"Operations (ops JSON):\n" + opsJSON + "\n\n" +
		"Guidelines:\n" +
		"- Treat the ops as the single source of truth for what must change.\n" +
		"- For existing files, keep unaffected parts of the file as-is.\n" +
		"- Do NOT modify public TypeScript contracts (interfaces, types, props, enums)\n" +
		"  unless an op explicitly requires it.\n\n" +
		"File metadata from manifest (JSON):\n" + metaJSON + "\n\n" +
		"Dependency files (read-only context):\n" + marshalJSON(depPayload) + "\n\n" +
		"Current file content:\n" +
		"<<FILE_START>>\n" + original + "\n" +
		"<<FILE_END>>\n\n" +
		"Now produce the updated or newly created file.\n\n" +
		"IMPORTANT OUTPUT RULES:\n" +
		"- Return ONLY a JSON object with this shape:\n" +
		"  {\n" +
		"    \"patches\":[{\"path\":\"" + targetName + "\",\"mode\":\"update\"|\"create\",\"content\":\"<full new file content>\"}],\n" +
		"    \"summary\":\"<one-line summary>\"\n" +
		"  }\n" +
		"- \"path\" MUST be exactly \"" + targetName + "\".\n" +
		"- \"content\" MUST be the FULL new file contents (not a diff).\n" +
		"- No markdown, no backticks, no extra prose."
}

// ModifyFile rewrites or creates one file according to its change ops.
//
// Description:
//
//	One backend call per target. The returned content replaces the file
//	wholesale; delete ops never reach this function (callers drop those
//	paths directly). The model's patch envelope is validated strictly:
//	exactly one patch, the exact target path, a known mode, non-empty
//	content.
//
// Inputs:
//   - ops: all changes planned for this target, in plan order.
//   - files: the current file map; the target must be present unless
//     every op is new_file.
func ModifyFile(ctx context.Context, c Client, targetName string, ops []manifest.Change, m *manifest.Manifest, files map[string]string, model string) (*FileResult, error) {
	if model == "" {
		model = DefaultModifyModel
	}

	isNew := IsNewFileChange(ops)
	original, exists := files[targetName]
	if !exists && !isNew {
		return nil, ErrNoCurrentContent
	}
	if isNew {
		original = ""
	}

	var meta *manifest.FileDescriptor
	if m != nil {
		meta = m.Descriptor(targetName)
	}
	depBlobs := modifyDepBlobs(meta, files)

	prompt := modifyFilePrompt(targetName, ops, original, meta, depBlobs, isNew)

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentModifyImplementer,
		Model:  model,
		System: ModifySys,
		User:   prompt,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Patches []manifest.Patch `json:"patches"`
		Summary string           `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		return nil, fmt.Errorf("modify implementer returned unparseable JSON: %w", err)
	}

	if len(data.Patches) != 1 {
		return nil, fmt.Errorf("expected exactly one patch in 'patches'")
	}
	p := data.Patches[0]
	if p.Path != targetName {
		return nil, fmt.Errorf("patch path must equal target file '%s', got '%s'", targetName, p.Path)
	}
	if p.Mode != "update" && p.Mode != manifest.ModeCreate {
		return nil, fmt.Errorf("patch mode must be 'update' or 'create'")
	}
	if p.Content == "" {
		return nil, fmt.Errorf("patch content must be a non-empty string")
	}

	return &FileResult{Path: targetName, Content: p.Content, Summary: data.Summary}, nil
}
