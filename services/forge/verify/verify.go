// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify checks generated project snapshots for syntax errors.
//
// The run loop's test stage is pluggable: a Verifier inspects the
// in-memory file map and reports problems per file in "line:col
// message" form, which the fix stage feeds back to the model. A check
// that cannot run reports skipped, and skipped counts as a pass.
package verify

import "context"

// Result is the outcome of one snapshot check.
type Result struct {
	// OK reports whether the snapshot passed. Skipped checks pass.
	OK bool

	// Skipped is set when no check actually ran: nothing checkable in
	// the snapshot, or the verifier is unavailable.
	Skipped bool

	// ErrorsByFile maps a file path to its error strings, each in
	// "line:col message" form.
	ErrorsByFile map[string][]string

	// Log is the human-readable check transcript.
	Log string
}

// Verifier checks a project snapshot.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; several runs can
//	reach their test stage at once.
type Verifier interface {
	Check(ctx context.Context, files map[string]string) (*Result, error)
}

// Nop is a Verifier that skips every check. It stands in when syntax
// checking is disabled.
type Nop struct{}

// Check implements the Verifier interface.
func (Nop) Check(_ context.Context, _ map[string]string) (*Result, error) {
	return &Result{
		OK:           true,
		Skipped:      true,
		ErrorsByFile: map[string][]string{},
		Log:          "Verification disabled; skipping checks.",
	}, nil
}
