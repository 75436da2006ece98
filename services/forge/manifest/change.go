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

// =============================================================================
// Modify-Flow Changes
// =============================================================================

// ChangeOp classifies a single file-level change from the modify flow.
type ChangeOp string

const (
	// OpEdit rewrites an existing file against its updated descriptor.
	OpEdit ChangeOp = "edit"

	// OpNewFile introduces a file that does not exist yet.
	OpNewFile ChangeOp = "new_file"

	// OpDeleteFile removes a file and its descriptor.
	OpDeleteFile ChangeOp = "delete_file"
)

// KnownOp reports whether op is a supported change operation.
func KnownOp(op ChangeOp) bool {
	switch op {
	case OpEdit, OpNewFile, OpDeleteFile:
		return true
	}
	return false
}

// Change is one file's modified specification plus the operation and
// its natural-language rationale, as produced by the interpreter.
//
// The embedded descriptor carries the file's NEW intended shape; for
// OpDeleteFile only Name is meaningful.
type Change struct {
	FileDescriptor

	Op        ChangeOp `json:"modify_kind"`
	Rationale string   `json:"modify_desc,omitempty"`
}

// PlannedChange is the lightweight first-phase output of the modify
// interpreter: which file, what operation, and why. The second phase
// expands these into full Changes.
type PlannedChange struct {
	Name   string   `json:"name"`
	Kind   string   `json:"type,omitempty"`
	Op     ChangeOp `json:"modify_kind"`
	Reason string   `json:"reason,omitempty"`
}

// ApplyChanges folds a set of interpreter changes into the manifest:
//
//   - OpDeleteFile drops the named descriptor (no-op if absent).
//   - OpNewFile appends the change's descriptor.
//   - anything else updates the named descriptor's fields in place
//     (no-op if the name is unknown).
//
// The file-content side of a change is handled separately by the
// executor; this only keeps the descriptor list consistent.
func ApplyChanges(m *Manifest, changes []Change) {
	for _, ch := range changes {
		switch ch.Op {
		case OpDeleteFile:
			kept := m.Files[:0]
			for _, f := range m.Files {
				if f.Name != ch.Name {
					kept = append(kept, f)
				}
			}
			m.Files = kept

		case OpNewFile:
			d := ch.FileDescriptor.Clone()
			d.RecentChanges = ch.Rationale
			m.Files = append(m.Files, d)

		default:
			if d := m.Descriptor(ch.Name); d != nil {
				d.Kind = ch.Kind
				d.Description = ch.Description
				d.Responsibilities = append([]string(nil), ch.Responsibilities...)
				d.Props = append([]string(nil), ch.Props...)
				d.InternalDependencies = append([]string(nil), ch.InternalDependencies...)
				d.ExternalDependencies = append([]string(nil), ch.ExternalDependencies...)
				d.Exports = append([]Export(nil), ch.Exports...)
				d.UsedBy = append([]string(nil), ch.UsedBy...)
				d.RecentChanges = ch.Rationale
			}
		}
	}
}
