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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaClient serves agent calls through a local Ollama instance, for
// fully offline runs.
type OllamaClient struct {
	llm   *ollama.LLM
	model string
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and
// OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Ollama client: %w", err)
	}

	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{llm: llm, model: model}, nil
}

// ChatJSON implements the Client interface.
//
// Description:
//
//	Local models are weaker JSON citizens than the hosted ones, so
//	JSON mode is always requested unless the caller asked for plain
//	text. Token usage comes from the generation info when the model
//	reports it; absent counts are recorded as zero.
func (o *OllamaClient) ChatJSON(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" || model == "auto" {
		model = o.model
	}

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatJSON")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.String("llm.agent", req.Agent),
	)
	slog.Debug("Requesting completion via Ollama", "model", model, "agent", req.Agent)

	opts := []llms.CallOption{llms.WithModel(model)}
	if !req.Text {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := o.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.User),
	}, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err, "agent", req.Agent)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("Ollama returned no choices", "agent", req.Agent)
		return nil, fmt.Errorf("Ollama returned no choices")
	}

	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Content) == "" {
		slog.Warn("Ollama returned empty content", "agent", req.Agent)
		return nil, ErrNoContent
	}

	usage := Usage{
		PromptTokens:     generationInfoInt(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: generationInfoInt(choice.GenerationInfo, "CompletionTokens"),
	}

	slog.Debug("Received response from Ollama",
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
	)
	return &Response{Content: choice.Content, Usage: usage}, nil
}

// generationInfoInt reads a numeric entry from langchaingo generation
// info, tolerating the integer widths different backends report.
func generationInfoInt(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
