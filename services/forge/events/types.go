// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the per-run event stream for generation runs.
//
// Every stage of a run publishes progress events keyed by run ID. Clients
// stream them over SSE or WebSocket; late subscribers receive a replay of
// recent history so a page refresh does not lose the run narrative.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeLog carries a line of build output for the run console.
	TypeLog Type = "log"

	// TypeStatus reports a stage entering a new state (queued, running,
	// done, failed).
	TypeStatus Type = "status"

	// TypeDone is the terminal event of a run. Exactly one is published
	// per run, carrying the overall ok flag.
	TypeDone Type = "done"

	// TypeTitleGenerated is emitted once the run title has been produced.
	TypeTitleGenerated Type = "title.generated"

	// TypeRouterResult reports the routed project domain and confidence.
	TypeRouterResult Type = "router.result"

	// TypeControllerNext reports the next action chosen by the step
	// controller.
	TypeControllerNext Type = "controller.next"

	// TypePatchApplied is emitted after a generation wave lands patches.
	TypePatchApplied Type = "patch.applied"

	// TypeFilesTree carries an ASCII rendering of the project tree.
	TypeFilesTree Type = "files.tree"

	// TypeFilesReady signals that the in-memory snapshot is complete.
	TypeFilesReady Type = "files.ready"

	// TypeManifestUpdated is emitted when the file plan changes.
	TypeManifestUpdated Type = "manifest.updated"

	// TypeTestsSummary carries aggregate verification counts.
	TypeTestsSummary Type = "tests.summary"

	// TypeTestResult carries a single file verification outcome.
	TypeTestResult Type = "test.result"

	// TypeToolStart is emitted when a long-running tool begins.
	TypeToolStart Type = "tool.start"

	// TypeToolEnd is emitted when a long-running tool finishes.
	TypeToolEnd Type = "tool.end"

	// TypeArtifactReady signals that the downloadable archive exists.
	TypeArtifactReady Type = "artifact.ready"

	// TypeReportReady signals that the run report can be fetched.
	TypeReportReady Type = "report.ready"
)

// Event is a single entry in a run's event stream.
//
// Description:
//
//	Events serialize to a flat JSON object: the type under "t", the
//	timestamp under "ts", and every Data key spliced in at the top
//	level. {"t":"status","ts":1712345678901,"step":"plan",
//	"state":"running"} is one event, not a nested envelope. Consumers
//	switch on "t" and read the sibling keys directly.
//
// Thread Safety:
//
//	Event values should be treated as immutable after publishing.
type Event struct {
	// Type identifies the kind of event. Empty defaults to TypeLog
	// when published.
	Type Type

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	// Zero means "stamp at publish time".
	Timestamp int64

	// Data holds the event payload, flattened into the JSON object.
	// The keys "t" and "ts" are reserved and overwritten on marshal.
	Data map[string]any
}

// MarshalJSON flattens the event into a single JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["t"] = string(e.Type)
	out["ts"] = e.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON restores an event from its flattened form.
func (e *Event) UnmarshalJSON(b []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if t, ok := raw["t"].(string); ok {
		e.Type = Type(t)
	}
	if ts, ok := raw["ts"].(float64); ok {
		e.Timestamp = int64(ts)
	}
	delete(raw, "t")
	delete(raw, "ts")
	e.Data = raw
	return nil
}

// New creates an event of the given type with an arbitrary payload.
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Data: data}
}

// Status creates a stage-status event.
//
// Inputs:
//
//	step - Stage name (plan, implement, test, fix, package, ...).
//	state - Stage state (queued, running, done, failed).
func Status(step, state string) Event {
	return Event{Type: TypeStatus, Data: map[string]any{
		"step":  step,
		"state": state,
	}}
}

// Log creates a console-output event.
//
// Inputs:
//
//	stream - "stdout" or "stderr".
//	chunk - The output text.
func Log(stream, chunk string) Event {
	return Event{Type: TypeLog, Data: map[string]any{
		"stream": stream,
		"chunk":  chunk,
	}}
}

// Done creates the terminal event of a run.
func Done(ok bool) Event {
	return Event{Type: TypeDone, Data: map[string]any{"ok": ok}}
}

// DoneError creates a failed terminal event with an error message.
func DoneError(msg string) Event {
	return Event{Type: TypeDone, Data: map[string]any{
		"ok":    false,
		"error": msg,
	}}
}

// now returns the current wall clock in Unix milliseconds.
func now() int64 {
	return time.Now().UnixMilli()
}
