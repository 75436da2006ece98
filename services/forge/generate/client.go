// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generate is the LLM-facing side of a run: backend clients,
// the prompt builders for each agent, and the validators that turn raw
// model output into typed plans, patches, and change sets.
//
// Every agent call goes through the Client interface, so runs can be
// served by OpenAI, by a local Ollama instance, or by a mock in tests.
// The callers in the executor and orchestrator own retries and event
// emission; functions here perform exactly one backend call each.
package generate

import (
	"context"
	"errors"
)

// =============================================================================
// Agent Labels
// =============================================================================

// Agent labels identify the call site for token accounting. They are
// the keys under which a run's token usage is accumulated.
const (
	AgentRouter            = "router"
	AgentPlanner           = "planner"
	AgentReplanner         = "replanner"
	AgentImplementer       = "implementer"
	AgentFixer             = "fixer"
	AgentTitler            = "title_generator"
	AgentModifyImplementer = "implementer.modify"
	AgentModifyPlanner     = "modify-planner"
	AgentModifyInterpreter = "modify-llm-interpret"
	AgentModifyReinterpret = "modify-reinterpreter"
)

// Default models per agent. "auto" or empty defers to the backend's
// configured default.
const (
	DefaultPlannerModel   = "gpt-5.1"
	DefaultRouterModel    = "gpt-5-mini"
	DefaultReplanModel    = "gpt-5-mini"
	DefaultTitleModel     = "gpt-5-nano"
	DefaultInterpretModel = "gpt-5.1"
	DefaultModifyModel    = "gpt-5-mini"
)

// =============================================================================
// Client Interface
// =============================================================================

// ErrNoContent reports that the backend answered without usable
// message content.
var ErrNoContent = errors.New("backend returned no content")

// Usage is the token consumption of a single backend call.
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
}

// Request is one agent call: a system prompt, a user prompt, and the
// model to answer with.
type Request struct {
	// Agent labels the call site for token accounting (AgentPlanner,
	// AgentFixer, ...).
	Agent string

	// Model selects the backend model. Empty or "auto" uses the
	// backend default.
	Model string

	System string
	User   string

	// Text requests a plain-text completion. The default is JSON mode,
	// since nearly every agent demands strict JSON output.
	Text bool
}

// Response is the backend's answer to a Request.
type Response struct {
	Content string
	Usage   Usage
}

// Client is a chat-completion backend.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; the executor
//	fans out many requests at once.
type Client interface {
	ChatJSON(ctx context.Context, req Request) (*Response, error)
}

// =============================================================================
// Usage Recording
// =============================================================================

// RecordUsage receives the token usage of one completed call, keyed by
// the agent label that made it.
type RecordUsage func(agent string, usage Usage)

type recordedClient struct {
	inner  Client
	record RecordUsage
}

// NewRecordedClient wraps a client so every successful call reports
// its token usage. The orchestrator binds record to the owning run's
// token ledger; failed calls report nothing, matching the backend
// behavior of not charging for transport errors.
func NewRecordedClient(inner Client, record RecordUsage) Client {
	return &recordedClient{inner: inner, record: record}
}

func (c *recordedClient) ChatJSON(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.inner.ChatJSON(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.record != nil {
		c.record(req.Agent, resp.Usage)
	}
	return resp, nil
}
