// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"fmt"
	"strings"
)

// =============================================================================
// Content Patches
// =============================================================================

// Patch modes. Create and Replace behave identically on an in-memory
// file map; the distinction is kept because generators are instructed
// to declare intent and validators check it.
const (
	ModeCreate  = "create"
	ModeReplace = "replace"
	ModeDelete  = "delete"
)

// Patch is one whole-file content operation against the run's file map.
//
// This is deliberately not a diff: generators always emit the complete
// new content for a path, which makes application order-independent
// within a layer (last writer wins per path, and no two tasks in one
// layer target the same path).
type Patch struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Content string `json:"content,omitempty"`
}

// Validate checks the structural contract a generator must satisfy.
//
// Mode defaults to replace when empty, matching ApplyPatches.
func (p Patch) Validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("patch: empty path")
	}
	switch p.Mode {
	case "", ModeCreate, ModeReplace, ModeDelete:
	default:
		return fmt.Errorf("patch %s: unknown mode %q", p.Path, p.Mode)
	}
	if p.Mode != ModeDelete && p.Content == "" {
		return fmt.Errorf("patch %s: empty content for mode %q", p.Path, p.Mode)
	}
	return nil
}

// ApplyPatches applies patches to files in order and returns the list
// of changed paths, in application order.
//
// Semantics:
//   - paths are normalized by stripping leading slashes
//   - delete removes the path (counted as changed only if it existed)
//   - create/replace set the content (counted as changed only if the
//     content actually differs from what is already there)
//
// The map is mutated in place. Callers that need snapshot isolation
// (the executor's per-layer reads) clone before applying.
func ApplyPatches(files map[string]string, patches []Patch) []string {
	changed := make([]string, 0, len(patches))
	for _, p := range patches {
		path := strings.TrimLeft(p.Path, "/")
		mode := p.Mode
		if mode == "" {
			mode = ModeReplace
		}
		if mode == ModeDelete {
			if _, ok := files[path]; ok {
				delete(files, path)
				changed = append(changed, path)
			}
			continue
		}
		if prev, ok := files[path]; !ok || prev != p.Content {
			files[path] = p.Content
			changed = append(changed, path)
		}
	}
	return changed
}

// CloneFiles returns a copy of the file map. Used to snapshot the
// pre-layer state the executor's concurrent tasks read from.
func CloneFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}
