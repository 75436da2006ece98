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
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// TypeScript Fixer
// =============================================================================

// FixSys is the fixer system prompt.
const FixSys = "You are a TypeScript fixer agent for a React 18 + TypeScript app. " +
	"Your job is to update exactly one existing file to fix TypeScript errors, " +
	"without breaking the planned exports/imports contract. Output strict JSON."

// fixTargetView is the target metadata block of a fix prompt. Kind and
// Description are pointers so a file with no descriptor renders null
// instead of empty strings.
type fixTargetView struct {
	Name                 string            `json:"name"`
	Kind                 *string           `json:"type"`
	Description          *string           `json:"description"`
	Responsibilities     []string          `json:"responsibilities"`
	InternalDependencies []string          `json:"internalDependencies"`
	ExternalDependencies []string          `json:"externalDependencies"`
	Exports              []manifest.Export `json:"exports"`
	UsedBy               []string          `json:"usedBy"`
}

func fixPrompt(description string, planMin []planFileView, targetMeta *manifest.FileDescriptor, path, content string, errs []string) string {
	if planMin == nil {
		planMin = []planFileView{}
	}

	target := fixTargetView{
		Name:                 path,
		Responsibilities:     []string{},
		InternalDependencies: []string{},
		ExternalDependencies: []string{},
		Exports:              []manifest.Export{},
		UsedBy:               []string{},
	}
	if targetMeta != nil {
		target.Kind = &targetMeta.Kind
		target.Description = &targetMeta.Description
		target.Responsibilities = orEmpty(targetMeta.Responsibilities)
		target.InternalDependencies = orEmpty(targetMeta.InternalDependencies)
		target.ExternalDependencies = orEmpty(targetMeta.ExternalDependencies)
		target.Exports = orEmptyExports(targetMeta.Exports)
		target.UsedBy = orEmpty(targetMeta.UsedBy)
	}

	errList := errs
	if errList == nil {
		errList = []string{}
	}

	return "High-level project description:\n" + description + "\n\n" +
		"Goal\n" +
		"- Update the SINGLE target file to fix the TypeScript errors listed below.\n" +
		"- Keep all intended exports/imports and the file's high-level responsibilities intact.\n" +
		"- Use React 18 + TypeScript conventions.\n" +
		"- The result must be COMPLETE, runnable, and aligned with the plan.\n\n" +
		"Rules\n" +
		"- Output JSON only: { \"content\": \"...\", \"summary\": \"...\" }\n" +
		"- Modify only this file.\n" +
		"- Do not introduce new files.\n" +
		"- Preserve planned exports/imports.\n" +
		"- Import only from internalDependencies or externalDependencies.\n" +
		"- Do not change import paths incorrectly.\n" +
		"- Avoid any; use proper TypeScript typings.\n" +
		"- All TypeScript errors must be fixed.\n\n" +
		"TypeScript errors:\n" + marshalJSON(errList) + "\n\n" +
		"Target metadata:\n" + marshalJSON(target) + "\n\n" +
		"Plan:\n" + marshalJSON(planMin) + "\n\n" +
		"Current file content:\n" +
		"CONTENT_START\n" + content + "\n" +
		"CONTENT_END\n\n" +
		"Your summary must describe what you fixed and why, without repeating metadata."
}

// FixFile rewrites one file to clear its recorded TypeScript errors.
//
// Description:
//
//	One backend call, one attempt: the fix pass gives each broken file
//	a single shot and the remaining errors surface on the next check.
//	The manifest may be nil (files the plan does not know about still
//	get fixed, just without metadata context).
func FixFile(ctx context.Context, c Client, m *manifest.Manifest, description, path, content string, errs []string, model string) (*FileResult, error) {
	var planMin []planFileView
	var targetMeta *manifest.FileDescriptor
	if m != nil {
		planMin = planMinView(m)
		targetMeta = m.Descriptor(path)
	}
	if planMin == nil {
		planMin = []planFileView{}
	}

	prompt := fixPrompt(description, planMin, targetMeta, path, content, errs)

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentFixer,
		Model:  model,
		System: FixSys,
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
		return nil, fmt.Errorf("fixer returned unparseable JSON: %w", err)
	}
	if strings.TrimSpace(data.Content) == "" {
		return nil, fmt.Errorf("fixer returned empty content")
	}

	return &FileResult{Path: path, Content: data.Content, Summary: data.Summary}, nil
}
