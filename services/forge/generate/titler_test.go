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
)

func TestGenerateTitle(t *testing.T) {
	mock := &MockClient{Response: "  \"Tiny Canvas Arcade\"\n"}

	title, err := GenerateTitle(context.Background(), mock, "a canvas mini game", "")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if title != "Tiny Canvas Arcade" {
		t.Errorf("title = %q, want whitespace and quotes trimmed", title)
	}

	calls := mock.CallsFor(AgentTitler)
	if len(calls) != 1 {
		t.Fatalf("titler calls = %d, want 1", len(calls))
	}
	if !calls[0].Text {
		t.Error("title generation must request plain text, not JSON mode")
	}
	if calls[0].Model != DefaultTitleModel {
		t.Errorf("Model = %q, want %q", calls[0].Model, DefaultTitleModel)
	}
	if !strings.Contains(calls[0].User, "a canvas mini game") {
		t.Error("prompt missing the project description")
	}
}

func TestGenerateTitle_Error(t *testing.T) {
	mock := &MockClient{Err: errors.New("backend down")}

	if _, err := GenerateTitle(context.Background(), mock, "d", ""); err == nil {
		t.Error("GenerateTitle() expected error")
	}
}
