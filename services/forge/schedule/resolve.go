// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"sort"
	"strings"
)

// =============================================================================
// Fuzzy Name Resolution
// =============================================================================
//
// Dependency tokens from planner output may be relative ("./a"),
// extension-less ("utils/format"), or path-shortened ("router/hashRouter"
// for "src/feature/router/hashRouter.ts"). Resolution is heuristic by
// design and kept here as pure functions, fully separate from the
// topological algorithm, so its ambiguity cannot leak into layering.

// sourceRoot is the conventional namespacing prefix dropped when
// generating lookup keys ("src/components/A" and "components/A" should
// both find src/components/A.tsx).
const sourceRoot = "src/"

// stripExt removes the final extension if the basename has one.
//
//	"src/App.tsx" -> "src/App"
//	"src/App"     -> "src/App"
//	".env"        -> ""
func stripExt(p string) string {
	base := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		base = p[i+1:]
	}
	if strings.Contains(base, ".") {
		if j := strings.LastIndex(p, "."); j >= 0 {
			return p[:j]
		}
	}
	return p
}

// normPath normalizes a path-like token: unify slashes, drop all
// leading '.' and '/' characters, drop a single leading source root.
func normPath(p string) string {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "./")
	p = strings.TrimPrefix(p, sourceRoot)
	return p
}

// fileKeys generates the lookup keys a file can be found under:
// full path without extension, the source-root-stripped variant, and
// the bare basename, all deduplicated with empties dropped.
func fileKeys(name string) []string {
	name = strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "./")
	fullNoExt := stripExt(name)
	noSrcNoExt := stripExt(normPath(name))
	baseNoExt := fullNoExt
	if i := strings.LastIndex(fullNoExt, "/"); i >= 0 {
		baseNoExt = fullNoExt[i+1:]
	}

	keys := make([]string, 0, 3)
	seen := make(map[string]bool, 3)
	for _, k := range []string{fullNoExt, noSrcNoExt, baseNoExt} {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// depKey is the single normalized key for a dependency token.
func depKey(token string) string {
	return stripExt(normPath(token))
}

// buildKeyIndex maps each key to the file names that can satisfy it.
// Multiple files can share a key; resolveDep chooses deterministically.
func buildKeyIndex(names []string) map[string][]string {
	idx := make(map[string][]string)
	for _, name := range names {
		for _, k := range fileKeys(name) {
			if !containsString(idx[k], name) {
				idx[k] = append(idx[k], name)
			}
		}
	}
	return idx
}

// resolveDep resolves a dependency token to a concrete file name:
//
//  1. direct key match (candidates tie-broken lexicographically);
//  2. else suffix/prefix overlap against all known keys, picking the
//     match with the shortest key (most specific), tie-broken by
//     lexicographic file name for determinism.
//
// Returns ("", false) when nothing matches.
func resolveDep(token string, index map[string][]string) (string, bool) {
	key := depKey(token)
	if cands, ok := index[key]; ok {
		if len(cands) == 0 {
			return "", false
		}
		best := cands[0]
		for _, c := range cands[1:] {
			if c < best {
				best = c
			}
		}
		return best, true
	}

	type overlap struct {
		key  string
		file string
	}
	var matches []overlap
	for k, files := range index {
		if strings.HasSuffix(k, key) || strings.HasSuffix(key, k) {
			for _, f := range files {
				matches = append(matches, overlap{key: k, file: f})
			}
		}
	}
	if len(matches) == 0 {
		return "", false
	}

	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i].key) != len(matches[j].key) {
			return len(matches[i].key) < len(matches[j].key)
		}
		return matches[i].file < matches[j].file
	})
	return matches[0].file, true
}

// looksLikeFile reports whether an unresolved token was plausibly meant
// to be an in-project file (vs. an npm package name).
func looksLikeFile(token string) bool {
	return strings.Contains(token, ".") || strings.Contains(token, "/")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
