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
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsWriteTimeout bounds a single frame write.
const wsWriteTimeout = 10 * time.Second

// RunEventsWS streams a run's events over a WebSocket.
//
// Description:
//
//	The same feed as the SSE endpoint, framed as one JSON object per
//	message. A read pump runs alongside the writer only to notice the
//	close handshake; inbound payloads are ignored.
func (h *Handler) RunEventsWS(c *gin.Context) {
	log := requestLogger(c, "run_events_ws")
	runID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade the websocket", "run_id", runID, "error", err)
		return
	}
	defer ws.Close()

	sub := h.Hub.Subscribe(runID)
	defer h.Hub.Unsubscribe(runID, sub.ID)
	log.Info("WebSocket subscriber attached", "run_id", runID, "subscription_id", sub.ID)

	// Read pump: surfaces the peer's close frame as a channel close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Info("WebSocket client disconnected", "run_id", runID)
			return

		case <-c.Request.Context().Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				log.Warn("WebSocket subscription closed by hub", "run_id", runID)
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				log.Info("WebSocket write failed, closing", "run_id", runID, "error", err)
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
