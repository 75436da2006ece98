// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest defines the declarative file model a generation run
// works against: which files should exist, what each file is for, and
// how files depend on each other.
//
// A Manifest is conceptually a graph and nominally a DAG. Cycles are
// possible (malformed planner output) and are detected downstream by the
// scheduler, never assumed absent here.
//
// The package also carries the two mutation primitives used by the
// pipeline: content patches against the materialized file map
// (ApplyPatches) and descriptor-level edits from the modify flow
// (ApplyChanges).
package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// File Kinds
// =============================================================================

// Known file kinds, as produced by the planner and interpreter.
//
// Kind is advisory: an unknown kind does not invalidate a descriptor,
// but validators reject kinds outside this set when they came from an
// LLM response that was instructed to use it.
const (
	KindComponent = "component"
	KindPage      = "page"
	KindHook      = "hook"
	KindContext   = "context"
	KindData      = "data"
	KindStyle     = "style"
	KindUtil      = "util"
	KindRouter    = "router"
	KindEntry     = "entry"
	KindConfig    = "config"
)

// knownKinds is the closed set accepted from structured LLM output.
var knownKinds = map[string]bool{
	KindComponent: true,
	KindPage:      true,
	KindHook:      true,
	KindContext:   true,
	KindData:      true,
	KindStyle:     true,
	KindUtil:      true,
	KindRouter:    true,
	KindEntry:     true,
	KindConfig:    true,
}

// KnownKind reports whether k is one of the supported file kinds.
func KnownKind(k string) bool {
	return knownKinds[k]
}

// KnownKinds returns the supported file kinds, sorted.
func KnownKinds() []string {
	kinds := make([]string, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// =============================================================================
// Descriptors
// =============================================================================

// Export describes one exported symbol of a planned file.
//
// The planner is asked for this level of detail so that dependent files
// can be generated against a concrete surface instead of guessing.
type Export struct {
	Name           string `json:"name"`
	Kind           string `json:"kind,omitempty"`
	PropsInterface string `json:"propsInterface,omitempty"`
	Description    string `json:"description,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// FileDescriptor is the unit entry of a Manifest.
//
// Identity is Name: a path-like string, unique within a manifest.
//
// InternalDependencies entries should resolve to another descriptor's
// Name in the same manifest, but tokens may be relative ("./a"),
// extension-less, or path-shortened; resolution is the scheduler's
// concern. Unresolved non-path-like tokens are treated as external.
//
// UsedBy is derived, never authored: it is the inverse of the resolved
// InternalDependencies relation and must be recomputed whenever
// dependencies change (see schedule.RecomputeUsedBy).
type FileDescriptor struct {
	Name                 string   `json:"name"`
	Kind                 string   `json:"type,omitempty"`
	Description          string   `json:"description,omitempty"`
	Responsibilities     []string `json:"responsibilities,omitempty"`
	Props                []string `json:"props,omitempty"`
	InternalDependencies []string `json:"internalDependencies,omitempty"`
	ExternalDependencies []string `json:"externalDependencies,omitempty"`
	Exports              []Export `json:"exports,omitempty"`
	UsedBy               []string `json:"usedBy,omitempty"`

	// Summary is filled in after implementation: a short description of
	// what was actually generated, folded back for later stages.
	Summary string `json:"summary,omitempty"`

	// RecentChanges carries the modify flow's change note for this file.
	RecentChanges string `json:"recentChanges,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (f FileDescriptor) Clone() FileDescriptor {
	out := f
	out.Responsibilities = append([]string(nil), f.Responsibilities...)
	out.Props = append([]string(nil), f.Props...)
	out.InternalDependencies = append([]string(nil), f.InternalDependencies...)
	out.ExternalDependencies = append([]string(nil), f.ExternalDependencies...)
	out.Exports = append([]Export(nil), f.Exports...)
	out.UsedBy = append([]string(nil), f.UsedBy...)
	return out
}

// =============================================================================
// Manifest
// =============================================================================

// Manifest is the ordered collection of FileDescriptors for a project,
// plus plan-level metadata produced alongside it.
type Manifest struct {
	Files   []FileDescriptor `json:"files"`
	Style   string           `json:"style,omitempty"`
	Summary string           `json:"summary,omitempty"`
}

// Names returns the file names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		names = append(names, f.Name)
	}
	return names
}

// ByName returns a name -> descriptor index map.
//
// The returned pointers address entries of m.Files; mutations through
// them are visible on the manifest.
func (m *Manifest) ByName() map[string]*FileDescriptor {
	idx := make(map[string]*FileDescriptor, len(m.Files))
	for i := range m.Files {
		idx[m.Files[i].Name] = &m.Files[i]
	}
	return idx
}

// Descriptor returns the descriptor named name, or nil if absent.
func (m *Manifest) Descriptor(name string) *FileDescriptor {
	for i := range m.Files {
		if m.Files[i].Name == name {
			return &m.Files[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{
		Files:   make([]FileDescriptor, 0, len(m.Files)),
		Style:   m.Style,
		Summary: m.Summary,
	}
	for _, f := range m.Files {
		out.Files = append(out.Files, f.Clone())
	}
	return out
}

// Validate performs structural checks: every descriptor needs a
// non-empty Name, and names must be unique.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("manifest: file %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("manifest: duplicate file name %q", name)
		}
		seen[name] = true
	}
	return nil
}
