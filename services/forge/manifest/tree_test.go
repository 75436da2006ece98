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
	"strings"
	"testing"
)

func TestTreeString_Basic(t *testing.T) {
	paths := []string{
		"package.json",
		"src/main.tsx",
		"src/components/Header.tsx",
		"src/App.tsx",
	}

	got := TreeString(paths)

	// package.json sorts after the src directory (dirs first).
	want := strings.Join([]string{
		".",
		"├── src",
		"│   ├── components",
		"│   │   └── Header.tsx",
		"│   ├── App.tsx",
		"│   └── main.tsx",
		"└── package.json",
	}, "\n")

	if got != want {
		t.Errorf("TreeString() =\n%s\nwant\n%s", got, want)
	}
}

func TestTreeString_Empty(t *testing.T) {
	if got := TreeString(nil); got != "." {
		t.Errorf("TreeString(nil) = %q, want %q", got, ".")
	}
}

func TestTreeString_DirsBeforeFiles(t *testing.T) {
	got := TreeString([]string{"a.ts", "zdir/inner.ts"})
	lines := strings.Split(got, "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.Contains(lines[1], "zdir") {
		t.Errorf("directory should sort before file: %v", lines)
	}
	if !strings.Contains(lines[3], "a.ts") {
		t.Errorf("file should come last: %v", lines)
	}
}

func TestTreeString_CaseInsensitiveOrder(t *testing.T) {
	got := TreeString([]string{"Zebra.ts", "apple.ts"})
	lines := strings.Split(got, "\n")
	if !strings.Contains(lines[1], "apple.ts") || !strings.Contains(lines[2], "Zebra.ts") {
		t.Errorf("expected case-insensitive order, got %v", lines)
	}
}

func TestTreeStringForManifest(t *testing.T) {
	m := sampleManifest()
	got := TreeStringForManifest(m)
	for _, frag := range []string{"App.tsx", "Header.tsx", "package.json"} {
		if !strings.Contains(got, frag) {
			t.Errorf("tree missing %q:\n%s", frag, got)
		}
	}
}
