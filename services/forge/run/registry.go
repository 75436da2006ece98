// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package run

import (
	"sort"
	"sync"
)

// Handle wraps one run's State with the lock that serializes the run
// loop's writes against HTTP reads and the kill switch.
type Handle struct {
	mu    sync.RWMutex
	state *State
}

// Update runs fn with exclusive access to the state. Keep fn short;
// never call the LLM backend or block on IO while holding the lock.
func (h *Handle) Update(fn func(*State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.state)
}

// View runs fn with shared read access to the state. fn must not
// mutate the state or retain references past its return.
func (h *Handle) View(fn func(*State)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.state)
}

// Snapshot returns a deep copy safe to use without the lock.
func (h *Handle) Snapshot() *State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Clone()
}

// ID returns the run ID without taking the lock; IDs are immutable.
func (h *Handle) ID() string {
	return h.state.ID
}

// Phase returns the run's current phase.
func (h *Handle) Phase() Phase {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Current
}

// RequestStop flips the run to its stop phase. The run loop honors it
// at the next decision point.
func (h *Handle) RequestStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Current = PhaseStop
}

// Registry holds the live state of every run in the process.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Handle)}
}

// Get returns the handle for a run, creating an empty record on first
// touch.
func (g *Registry) Get(id string) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.runs[id]
	if !ok {
		h = &Handle{state: NewState(id)}
		g.runs[id] = h
	}
	return h
}

// Lookup returns the handle for a run without creating one.
func (g *Registry) Lookup(id string) (*Handle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.runs[id]
	return h, ok
}

// Delete removes a run's live state.
func (g *Registry) Delete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
}

// IDs returns all live run IDs in sorted order.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.runs))
	for id := range g.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live runs.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}
