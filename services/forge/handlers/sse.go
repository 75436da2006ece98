// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianForge/services/forge/events"
)

// SSEWriter writes run events to an HTTP response in SSE wire format.
//
// Description:
//
//	Each event goes out as "event: <type>\nid: <hash>\ndata: <json>\n\n"
//	and is flushed immediately. The id field carries a SHA-256 hash
//	chained over the serialized payloads, so a consumer can verify the
//	stream was neither reordered nor truncated in the middle. Keepalive
//	comments do not advance the chain.
//
// Thread Safety: safe for concurrent use; writes serialize on an
// internal mutex.
type SSEWriter interface {
	// WriteEvent frames and flushes one event.
	WriteEvent(ev events.Event) error

	// WriteKeepAlive sends a ": ping" comment line to hold the
	// connection open through idle stretches.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w for SSE output. The caller must have set the
// stream headers (SetSSEHeaders) before the first write.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	hash := sha256.Sum256([]byte(w.prevHash + "|" + string(data)))
	id := hex.EncodeToString(hash[:])
	w.prevHash = id

	if _, err := fmt.Fprintf(w.writer, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, id, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response headers for event streaming.
// Must run before any body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
