// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
)

func TestRunEventsSSEReplaysHistory(t *testing.T) {
	router, _, hub := newTestRouter(t)

	hub.Publish("run-sse", events.Status("plan", "running"))
	hub.Publish("run-sse", events.Log("stdout", "hello"))

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/forge/runs/run-sse/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Two replayed events: two frames of event/id/data lines.
	reader := bufio.NewReader(resp.Body)
	var frames []map[string]string
	frame := map[string]string{}
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	for len(frames) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out with %d frames", len(frames))
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed with %d frames", len(frames))
			}
			switch {
			case line == "":
				if len(frame) > 0 {
					frames = append(frames, frame)
					frame = map[string]string{}
				}
			case strings.HasPrefix(line, ": "):
				// keepalive
			default:
				k, v, _ := strings.Cut(line, ": ")
				frame[k] = v
			}
		}
	}

	if frames[0]["event"] != "status" {
		t.Errorf("first frame event = %q, want status", frames[0]["event"])
	}
	if frames[1]["event"] != "log" {
		t.Errorf("second frame event = %q, want log", frames[1]["event"])
	}
	for i, f := range frames {
		if f["id"] == "" {
			t.Errorf("frame %d has no chain id", i)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(f["data"]), &payload); err != nil {
			t.Errorf("frame %d data not JSON: %v", i, err)
		} else if payload["t"] == nil {
			t.Errorf("frame %d payload missing type discriminant", i)
		}
	}
	if frames[0]["id"] == frames[1]["id"] {
		t.Error("chain ids repeat")
	}
}

func TestRunEventsWS(t *testing.T) {
	router, _, hub := newTestRouter(t)

	hub.Publish("run-ws", events.Status("implement", "running"))

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/forge/runs/run-ws/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Replayed event arrives first.
	var replayed map[string]any
	if err := ws.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed["t"] != "status" || replayed["step"] != "implement" {
		t.Errorf("replayed = %v", replayed)
	}

	// A live publish reaches the open socket.
	hub.Publish("run-ws", events.Done(true))
	var live map[string]any
	if err := ws.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live["t"] != "done" || live["ok"] != true {
		t.Errorf("live = %v", live)
	}
}
