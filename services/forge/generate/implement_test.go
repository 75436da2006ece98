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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// sampleImplManifest is a minimal three-file plan shared by the
// implement, fix, and modify tests.
func sampleImplManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Style:   "Dark, dense dashboard styling with Tailwind utility classes.",
		Summary: "A tiny two-page demo app.",
		Files: []manifest.FileDescriptor{
			{
				Name:             "package.json",
				Kind:             manifest.KindConfig,
				Description:      "NPM manifest for the Vite + React 18 setup.",
				Responsibilities: []string{"Declare dependencies and scripts"},
			},
			{
				Name:             "src/util/format.ts",
				Kind:             manifest.KindUtil,
				Description:      "Number and date formatting helpers.",
				Responsibilities: []string{"Format counts", "Format dates"},
				Exports: []manifest.Export{{
					Name:           "formatCount",
					Kind:           "util",
					PropsInterface: "none",
					Signature:      "(n: number) => string",
					Description:    "Compact count formatting",
				}},
			},
			{
				Name:                 "src/App.tsx",
				Kind:                 manifest.KindComponent,
				Description:          "Root component rendering the formatted counters.",
				Responsibilities:     []string{"Compose the page"},
				InternalDependencies: []string{"src/util/format.ts"},
				ExternalDependencies: []string{"react"},
				Exports: []manifest.Export{{
					Name:           "default",
					Kind:           "component",
					PropsInterface: "AppProps",
					Signature:      "(props: AppProps) => JSX.Element",
					Description:    "Root component",
				}},
			},
		},
	}
}

func TestImplementFile_NotInPlan(t *testing.T) {
	mock := &MockClient{Response: `{"content":"x","summary":"s"}`}

	_, err := ImplementFile(context.Background(), mock, sampleImplManifest(), "website", "desc", "src/Ghost.tsx", nil, "")
	if !errors.Is(err, ErrNotInPlan) {
		t.Fatalf("error = %v, want ErrNotInPlan", err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("backend called %d times for an unplanned file", mock.CallCount())
	}
}

func TestImplementFile_Success(t *testing.T) {
	mock := &MockClient{Response: `{"content":"export default function App() {}\n","summary":"renders counters"}`}
	files := map[string]string{
		"src/util/format.ts": "export const formatCount = (n: number) => String(n);",
	}

	got, err := ImplementFile(context.Background(), mock, sampleImplManifest(), "website", "two-page demo", "src/App.tsx", files, "")
	if err != nil {
		t.Fatalf("ImplementFile() error = %v", err)
	}
	if got.Path != "src/App.tsx" || got.Summary != "renders counters" {
		t.Errorf("result = %+v", got)
	}
	if !strings.Contains(got.Content, "export default") {
		t.Errorf("Content = %q", got.Content)
	}

	calls := mock.CallsFor(AgentImplementer)
	if len(calls) != 1 {
		t.Fatalf("implementer calls = %d, want 1", len(calls))
	}
	prompt := calls[0].User
	for _, want := range []string{
		"Application domain: website",
		"two-page demo",
		`"name":"src/App.tsx"`,
		"export const formatCount",
		"Dark, dense dashboard styling",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Special HARD constraints") {
		t.Error("src file prompt must not carry scaffold constraints")
	}
}

func TestImplementFile_ScaffoldConstraints(t *testing.T) {
	mock := &MockClient{Response: `{"content":"{}","summary":"s"}`}

	if _, err := ImplementFile(context.Background(), mock, sampleImplManifest(), "website", "d", "package.json", nil, ""); err != nil {
		t.Fatalf("ImplementFile() error = %v", err)
	}
	prompt := mock.Calls[0].User
	for _, want := range []string{
		"Special HARD constraints for THIS file:",
		`"check": "tsc --noEmit"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestImplementFile_BadResponses(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  string
	}{
		{"not json", "nope", "implementer returned unparseable JSON"},
		{"empty content", `{"content":"   ","summary":"s"}`, "'content' must be a non-empty string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockClient{Response: tt.response}
			_, err := ImplementFile(context.Background(), mock, sampleImplManifest(), "website", "d", "src/App.tsx", nil, "")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDepBlobsFor(t *testing.T) {
	m := &manifest.Manifest{Files: []manifest.FileDescriptor{
		{Name: "src/a.ts"},
		{Name: "src/b.ts"},
		{Name: "src/d.ts"},
		{Name: "src/c.tsx", InternalDependencies: []string{"src/b.ts", "src/a.ts", "src/d.ts", "lodash"}},
	}}
	files := map[string]string{
		"src/a.ts": "A",
		"src/b.ts": "B",
		"lodash":   "X",
	}

	blobs := DepBlobsFor(m.Descriptor("src/c.tsx"), m, files)
	if len(blobs) != 2 {
		t.Fatalf("len(blobs) = %d, want 2 (in-plan deps with content)", len(blobs))
	}
	if blobs[0].Path != "src/b.ts" || blobs[1].Path != "src/a.ts" {
		t.Errorf("blob order = [%s %s], want declared dependency order", blobs[0].Path, blobs[1].Path)
	}
	if blobs[0].Content != "B" {
		t.Errorf("blob content = %q", blobs[0].Content)
	}
}

func TestTruncateBlob(t *testing.T) {
	if got := truncateBlob("short", 40000); got != "short" {
		t.Errorf("short blob modified: %q", got)
	}
	exact := strings.Repeat("a", 10)
	if got := truncateBlob(exact, 10); got != exact {
		t.Errorf("at-limit blob modified: %q", got)
	}

	long := strings.Repeat("x", 50) + strings.Repeat("y", 50)
	want := strings.Repeat("x", 7) + "\n/* ... truncated ... */\n" + strings.Repeat("y", 2)
	if got := truncateBlob(long, 10); got != want {
		t.Errorf("truncateBlob() = %q, want %q", got, want)
	}
}

func TestMarshalJSON_KeepsJSX(t *testing.T) {
	got := marshalJSON(map[string]string{"content": `<div className="p-2">&copy;</div>`})
	if !strings.Contains(got, "<div") || strings.Contains(got, `<`) {
		t.Errorf("marshalJSON() = %q, want unescaped markup", got)
	}
	if strings.HasSuffix(got, "\n") {
		t.Errorf("marshalJSON() kept a trailing newline: %q", got)
	}
}

func TestHardConstraintsFor(t *testing.T) {
	if got := hardConstraintsFor("index.html"); !strings.Contains(got, `<div id="root"></div>`) {
		t.Errorf("index.html constraints = %q", got)
	}
	if got := hardConstraintsFor("package.json"); !strings.Contains(got, `"build": "vite build"`) {
		t.Errorf("package.json constraints = %q", got)
	}
	if got := hardConstraintsFor("tsconfig.json"); got == "" {
		t.Error("tsconfig.json must carry constraints")
	}
	if got := hardConstraintsFor("src/App.tsx"); got != "" {
		t.Errorf("src files must not carry constraints, got %q", got)
	}
}
