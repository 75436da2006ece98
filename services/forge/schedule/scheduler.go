// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule turns a file manifest into dependency-ordered
// generation layers.
//
// Every dependency of a file in layer k resolves to a file in some
// layer < k; files within one layer have no dependency relationship and
// are safe to generate in parallel. Dependency tokens are resolved
// fuzzily (see resolve.go) because planner output may use relative,
// extension-less, or shortened references.
//
// Cycles are detected, not assumed absent: files that can never be
// reached by the level algorithm are appended as one final leftover
// layer and reported under Unresolved.Cycles, so the caller decides
// whether to generate them best-effort or fail.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Types
// =============================================================================

// MissingDep records a dependency token that looked file-like but
// matched nothing in the manifest. The edge is dropped rather than
// aborting layering; sanity checks surface these to the replanner.
type MissingDep struct {
	File      string `json:"file"`
	DependsOn string `json:"dependsOn"`
}

// Unresolved aggregates everything layering could not place cleanly.
type Unresolved struct {
	Missing []MissingDep `json:"missing"`
	Cycles  []string     `json:"cycles"`
}

// Result is the scheduler output: parallel-safe generation layers plus
// the unresolved leftovers.
type Result struct {
	Iterations [][]string `json:"iterations"`
	Unresolved Unresolved `json:"unresolved"`
}

// config carries scheduler options.
type config struct {
	sortLayers bool
}

// Option customizes Compute.
type Option func(*config)

// WithUnsortedLayers keeps each layer in discovery (manifest) order
// instead of the default name-sorted order.
func WithUnsortedLayers() Option {
	return func(c *config) {
		c.sortLayers = false
	}
}

// =============================================================================
// Layering
// =============================================================================

// Compute derives generation layers from the manifest's files using a
// breadth-first topological level algorithm (Kahn's algorithm
// generalized to levels): indegree is the count of resolved in-manifest
// dependencies; indegree-0 files form layer 0; removing a layer
// decrements its dependents; repeat. Self-edges are ignored. Files
// never reached (a genuine cycle) become one final, name-sorted
// leftover layer, also reported as Unresolved.Cycles.
//
// The same algorithm serves both call shapes: a full planning manifest
// and a modify-flow subset of impacted files.
//
// Returns an error only for structurally unusable input (a descriptor
// without a name); everything else degrades to Unresolved entries.
func Compute(files []manifest.FileDescriptor, opts ...Option) (*Result, error) {
	cfg := config{sortLayers: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	order, deps, missing, err := normalize(files)
	if err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(order))
	adj := make(map[string]map[string]bool)
	for _, name := range order {
		indegree[name] = len(deps[name])
		for dep := range deps[name] {
			if adj[dep] == nil {
				adj[dep] = make(map[string]bool)
			}
			adj[dep][name] = true
		}
	}

	var queue []string
	inQueue := make(map[string]bool, len(order))
	for _, name := range order {
		if indegree[name] == 0 {
			queue = append(queue, name)
			inQueue[name] = true
		}
	}

	visited := make(map[string]bool, len(order))
	var iterations [][]string

	for len(queue) > 0 {
		layerCnt := len(queue)
		layer := make([]string, 0, layerCnt)
		for i := 0; i < layerCnt; i++ {
			u := queue[0]
			queue = queue[1:]
			inQueue[u] = false
			if visited[u] {
				continue
			}
			visited[u] = true
			layer = append(layer, u)
		}

		for _, u := range layer {
			for v := range adj[u] {
				indegree[v]--
			}
		}

		for _, name := range order {
			if indegree[name] == 0 && !visited[name] && !inQueue[name] {
				queue = append(queue, name)
				inQueue[name] = true
			}
		}

		if len(layer) > 0 {
			if cfg.sortLayers {
				sort.Strings(layer)
			}
			iterations = append(iterations, layer)
		}
	}

	// Anything unreached sits on a cycle. Emit it as one flagged layer
	// so the caller can still generate best-effort.
	var leftover []string
	for _, name := range order {
		if !visited[name] {
			leftover = append(leftover, name)
		}
	}
	sort.Strings(leftover)
	if len(leftover) > 0 {
		iterations = append(iterations, leftover)
	}

	return &Result{
		Iterations: iterations,
		Unresolved: Unresolved{
			Missing: missing,
			Cycles:  leftover,
		},
	}, nil
}

// ComputeForManifest is the Manifest-shaped convenience wrapper.
func ComputeForManifest(m *manifest.Manifest, opts ...Option) (*Result, error) {
	return Compute(m.Files, opts...)
}

// normalize indexes files by name and resolves every declared internal
// dependency. Duplicate names keep the last descriptor. Resolved
// self-edges are dropped; unresolved file-like tokens are recorded as
// missing; unresolved bare tokens are treated as external packages.
func normalize(files []manifest.FileDescriptor) (order []string, deps map[string]map[string]bool, missing []MissingDep, err error) {
	byName := make(map[string]manifest.FileDescriptor, len(files))
	for _, f := range files {
		name := f.Name
		if strings.TrimSpace(name) == "" {
			return nil, nil, nil, fmt.Errorf("schedule: every file needs a name, offender: %+v", f)
		}
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = f
	}

	index := buildKeyIndex(order)

	deps = make(map[string]map[string]bool, len(order))
	for _, name := range order {
		deps[name] = make(map[string]bool)
	}

	for _, name := range order {
		for _, token := range byName[name].InternalDependencies {
			resolved, ok := resolveDep(token, index)
			if ok {
				if resolved != name {
					deps[name][resolved] = true
				}
				continue
			}
			if looksLikeFile(token) {
				missing = append(missing, MissingDep{File: name, DependsOn: token})
			}
		}
	}

	return order, deps, missing, nil
}

// =============================================================================
// Derived UsedBy
// =============================================================================

// RecomputeUsedBy rewrites every descriptor's UsedBy list as the
// inverse of the resolved dependency relation. UsedBy is derived state:
// planner- or interpreter-authored values are discarded wholesale,
// which keeps the field trustworthy after any dependency edit.
func RecomputeUsedBy(m *manifest.Manifest) {
	names := m.Names()
	index := buildKeyIndex(names)

	usedBy := make(map[string][]string, len(names))
	for i := range m.Files {
		from := m.Files[i].Name
		seen := make(map[string]bool)
		for _, token := range m.Files[i].InternalDependencies {
			resolved, ok := resolveDep(token, index)
			if !ok || resolved == from || seen[resolved] {
				continue
			}
			seen[resolved] = true
			usedBy[resolved] = append(usedBy[resolved], from)
		}
	}

	for i := range m.Files {
		list := usedBy[m.Files[i].Name]
		sort.Strings(list)
		m.Files[i].UsedBy = list
	}
}
