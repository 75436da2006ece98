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
	"strings"
	"testing"
	"time"
)

func TestMockPlan_FreshCopies(t *testing.T) {
	a := MockPlan()
	b := MockPlan()

	if len(a.Files) != 17 {
		t.Errorf("len(Files) = %d, want 17", len(a.Files))
	}
	if a.Style == "" || a.Summary == "" {
		t.Error("mock plan missing style or summary")
	}

	a.Files[0].Name = "mutated.html"
	if b.Files[0].Name == "mutated.html" {
		t.Error("MockPlan() shares state between calls")
	}
}

func TestCanvasProject(t *testing.T) {
	files := CanvasProject()

	want := []string{"package.json", "index.html", "src/global.css", "src/main.tsx"}
	if len(files) != len(want) {
		t.Fatalf("len(files) = %d, want %d", len(files), len(want))
	}
	for _, name := range want {
		if files[name] == "" {
			t.Errorf("missing or empty file %q", name)
		}
	}
	if !strings.Contains(files["src/main.tsx"], "createRoot") {
		t.Error("main.tsx must mount with React 18 createRoot")
	}
	if !strings.Contains(files["index.html"], "/src/main.tsx") {
		t.Error("index.html must load the entry module")
	}

	files["package.json"] = "mutated"
	if CanvasProject()["package.json"] == "mutated" {
		t.Error("CanvasProject() shares state between calls")
	}
}

func TestDevTitle(t *testing.T) {
	title := DevTitle()
	if !strings.HasPrefix(title, "Sample Project Title ") {
		t.Fatalf("DevTitle() = %q", title)
	}
	datePart := strings.TrimPrefix(title, "Sample Project Title ")
	if _, err := time.Parse("2006-01-02", datePart); err != nil {
		t.Errorf("DevTitle() date suffix %q: %v", datePart, err)
	}
}
