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
	"sync"
)

// MockClient is a configurable test double for the Client interface.
//
// Description:
//
//	Responses are looked up by agent name first, then by the catch-all
//	Response field. Every request is captured in Calls so tests can
//	assert on prompts and models without a live backend.
//
// Thread Safety:
//
//	Safe for concurrent use. The implement and fix stages fan out over
//	a worker pool, so tests exercising them hit this mock from several
//	goroutines at once.
type MockClient struct {
	// Responses maps an agent name to the content returned for that
	// agent. Takes precedence over Response.
	Responses map[string]string

	// Response is the content returned when the agent has no entry in
	// Responses.
	Response string

	// Err, when non-nil, is returned for every call instead of content.
	Err error

	// Usage is attached to every successful response.
	Usage Usage

	// Calls records every request in arrival order.
	Calls []Request

	mu sync.Mutex
}

// ChatJSON implements the Client interface.
func (m *MockClient) ChatJSON(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	content, ok := m.Responses[req.Agent]
	if !ok {
		content = m.Response
	}
	if content == "" {
		return nil, ErrNoContent
	}
	return &Response{Content: content, Usage: m.Usage}, nil
}

// CallCount returns the number of requests seen so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor returns the recorded requests issued under the given agent
// name.
func (m *MockClient) CallsFor(agent string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, c := range m.Calls {
		if c.Agent == agent {
			out = append(out, c)
		}
	}
	return out
}
