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
	"reflect"
	"sync"
	"testing"
)

func TestRegistry_GetCreatesOnFirstTouch(t *testing.T) {
	g := NewRegistry()

	h := g.Get("run-1")
	if h == nil {
		t.Fatal("Get() = nil")
	}
	if h.ID() != "run-1" {
		t.Errorf("ID() = %q", h.ID())
	}
	if g.Get("run-1") != h {
		t.Error("second Get() returned a different handle")
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d", g.Len())
	}
}

func TestRegistry_Lookup(t *testing.T) {
	g := NewRegistry()
	if _, ok := g.Lookup("missing"); ok {
		t.Error("Lookup() found a run that was never created")
	}

	g.Get("run-1")
	if _, ok := g.Lookup("run-1"); !ok {
		t.Error("Lookup() missed a live run")
	}
}

func TestRegistry_Delete(t *testing.T) {
	g := NewRegistry()
	g.Get("run-1")
	g.Delete("run-1")

	if _, ok := g.Lookup("run-1"); ok {
		t.Error("run survived Delete")
	}
	g.Delete("run-1") // deleting twice is fine
}

func TestRegistry_IDsSorted(t *testing.T) {
	g := NewRegistry()
	g.Get("charlie")
	g.Get("alpha")
	g.Get("bravo")

	if got := g.IDs(); !reflect.DeepEqual(got, []string{"alpha", "bravo", "charlie"}) {
		t.Errorf("IDs() = %v", got)
	}
}

func TestHandle_UpdateAndView(t *testing.T) {
	g := NewRegistry()
	h := g.Get("run-1")

	h.Update(func(s *State) {
		s.Title = "updated"
		s.Files["a.ts"] = "content"
	})

	var title string
	h.View(func(s *State) {
		title = s.Title
	})
	if title != "updated" {
		t.Errorf("title = %q", title)
	}
}

func TestHandle_SnapshotDetached(t *testing.T) {
	g := NewRegistry()
	h := g.Get("run-1")
	h.Update(func(s *State) {
		s.Files["a.ts"] = "v1"
	})

	snap := h.Snapshot()
	h.Update(func(s *State) {
		s.Files["a.ts"] = "v2"
	})

	if snap.Files["a.ts"] != "v1" {
		t.Errorf("snapshot tracked later writes: %q", snap.Files["a.ts"])
	}
}

func TestHandle_RequestStop(t *testing.T) {
	g := NewRegistry()
	h := g.Get("run-1")
	h.Update(func(s *State) { s.Current = PhaseImplement })

	h.RequestStop()
	if h.Phase() != PhaseStop {
		t.Errorf("Phase() = %v, want STOP", h.Phase())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	g := NewRegistry()
	h := g.Get("run-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Update(func(s *State) {
					s.Budget.TokensLeft++
				})
				h.View(func(s *State) {
					_ = s.Budget.TokensLeft
				})
				_ = h.Snapshot()
			}
		}()
	}
	wg.Wait()

	var tokens int
	h.View(func(s *State) { tokens = s.Budget.TokensLeft })
	if tokens != 800 {
		t.Errorf("TokensLeft = %d, want 800", tokens)
	}
}
