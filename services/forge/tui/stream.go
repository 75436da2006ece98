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
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
)

// Follower streams a run's events from the server's SSE endpoint.
//
// # Description
//
// Follow connects to /v1/forge/runs/{id}/events and decodes each SSE
// frame back into an event. The server replays recent history first,
// so a watcher attached mid-run still sees the full narrative.
//
// # Thread Safety
//
// A Follower is stateless; Follow may be called concurrently for
// different runs.
type Follower struct {
	// BaseURL is the server root, e.g. "http://localhost:12270".
	BaseURL string

	// Client overrides the HTTP client. Nil uses a streaming-safe
	// default with no overall timeout.
	Client *http.Client
}

// Follow streams events for runID into out until the stream ends or
// ctx is cancelled. The out channel is closed on return.
func (f *Follower) Follow(ctx context.Context, runID string, out chan<- events.Event) error {
	defer close(out)

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}

	url := strings.TrimRight(f.BaseURL, "/") + "/v1/forge/runs/" + runID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	return decodeFrames(resp.Body, func(ev events.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// decodeFrames parses SSE frames from r and hands each decoded event
// to emit. Emit returning false stops the decode loop. Comment lines
// (keepalives) and frames without a data field are skipped.
func decodeFrames(r io.Reader, emit func(events.Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev events.Event
				if err := ev.UnmarshalJSON([]byte(data.String())); err == nil {
					if !emit(ev) {
						return nil
					}
				}
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// FormatTimestamp renders an event timestamp for the console.
func FormatTimestamp(ms int64) string {
	if ms == 0 {
		return "--:--:--"
	}
	return time.UnixMilli(ms).Format("15:04:05")
}
