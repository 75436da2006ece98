// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"fmt"

	"github.com/charmbracelet/huh"
)

// StallDecision is what the operator chose for a stalled run.
type StallDecision struct {
	// Restart requests a fresh start of the same run.
	Restart bool

	// Domain pins the project domain for the restart. A pinned domain
	// skips routing and lets a failed sanity check proceed.
	Domain string
}

// PromptStalled asks the operator what to do with a run that stopped
// waiting for user input.
//
// # Description
//
// A creation run stalls when routing cannot settle on a project
// domain and the sanity check rejected the plan. The recovery is a
// restart with the domain pinned by hand, so the prompt offers the
// known domains plus "auto" to retry routing.
func PromptStalled(runID string) (StallDecision, error) {
	d := StallDecision{Domain: "auto"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Run %s needs input. Restart it?", runID)).
				Affirmative("Restart").
				Negative("Leave it").
				Value(&d.Restart),
			huh.NewSelect[string]().
				Title("Project domain for the restart").
				Description("Pinning a domain skips routing on the next attempt.").
				Options(huh.NewOptions("auto", "games", "webshop", "website", "general")...).
				Value(&d.Domain),
		),
	)

	if err := form.Run(); err != nil {
		return StallDecision{}, fmt.Errorf("stall prompt: %w", err)
	}
	return d, nil
}
