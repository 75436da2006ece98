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
	"strings"
)

// TitleSys is the system prompt for project title generation.
const TitleSys = "You are a helpful assistant that generates concise project titles."

// GenerateTitle produces a short display title for a project
// description. This is the one plain-text call in the pipeline; the
// result is trimmed of whitespace and surrounding quotes.
func GenerateTitle(ctx context.Context, c Client, description, model string) (string, error) {
	if model == "" {
		model = DefaultTitleModel
	}

	prompt := "Generate a concise, short, descriptive title for the following project description. " +
		"Maximum 50 characters. No quotes or punctuation around the title. " +
		"The title should capture the essence of the app being built.\n\n" +
		"Project description:\n" + description + "\n\n" +
		"Title:"

	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentTitler,
		Model:  model,
		System: TitleSys,
		User:   prompt,
		Text:   true,
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(resp.Content), `"`), nil
}
