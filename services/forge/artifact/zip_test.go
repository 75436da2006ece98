// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildZipRoundTrip(t *testing.T) {
	files := map[string]string{
		"src/App.tsx":  "export default function App() {}",
		"/index.html":  "<html></html>",
		"package.json": "{}",
	}

	data, err := BuildZip(files)
	if err != nil {
		t.Fatalf("BuildZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("entries = %d, want 3", len(zr.File))
	}

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		got[f.Name] = string(body)
	}

	if got["index.html"] != "<html></html>" {
		t.Errorf("leading slash not stripped: %q", got)
	}
	if got["src/App.tsx"] != files["src/App.tsx"] {
		t.Errorf("content mismatch for src/App.tsx")
	}
}

func TestBuildZipDeterministic(t *testing.T) {
	files := map[string]string{"b.ts": "b", "a.ts": "a", "c.ts": "c"}

	first, err := BuildZip(files)
	if err != nil {
		t.Fatalf("BuildZip: %v", err)
	}
	second, err := BuildZip(files)
	if err != nil {
		t.Fatalf("BuildZip: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical snapshots produced different archives")
	}
}

func TestBuildZipEmpty(t *testing.T) {
	data, err := BuildZip(nil)
	if err != nil {
		t.Fatalf("BuildZip: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 0 {
		t.Errorf("entries = %d, want 0", len(zr.File))
	}
}

func TestLocalPut(t *testing.T) {
	dir := t.TempDir()
	store := Local{Dir: dir}

	data, err := BuildZip(map[string]string{"a.ts": "a"})
	if err != nil {
		t.Fatalf("BuildZip: %v", err)
	}
	loc, err := store.Put(context.Background(), "run-1", data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := filepath.Join(dir, "run-1", "project.zip")
	if loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}
	onDisk, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("stored archive differs from built archive")
	}
}
