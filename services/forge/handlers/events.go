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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepAliveInterval paces SSE ping comments so proxies and load
// balancers do not drop an idle stream.
const keepAliveInterval = 15 * time.Second

// RunEvents streams a run's events over SSE.
//
// Description:
//
//	The subscription replays recent history first, then live events in
//	publish order. The stream ends when the client disconnects; the
//	subscriber is removed either way. A run that falls silent still
//	receives ": ping" comments every 15 seconds.
func (h *Handler) RunEvents(c *gin.Context) {
	log := requestLogger(c, "run_events")
	runID := c.Param("id")

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		fail(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}

	sub := h.Hub.Subscribe(runID)
	defer h.Hub.Unsubscribe(runID, sub.ID)
	log.Info("SSE subscriber attached", "run_id", runID, "subscription_id", sub.ID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info("SSE subscriber disconnected", "run_id", runID)
			return

		case ev, ok := <-sub.C:
			if !ok {
				// The hub dropped us for not draining fast enough.
				log.Warn("SSE subscription closed by hub", "run_id", runID)
				return
			}
			if err := writer.WriteEvent(ev); err != nil {
				log.Info("SSE write failed, closing", "run_id", runID, "error", err)
				return
			}

		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				log.Info("SSE keepalive failed, closing", "run_id", runID, "error", err)
				return
			}
		}
	}
}
