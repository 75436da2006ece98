// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultHistoryLimit is how many events are retained per run.
	DefaultHistoryLimit = 500

	// DefaultReplayLimit is how many recent events a new subscriber
	// receives before live delivery begins.
	DefaultReplayLimit = 100

	// DefaultChannelCapacity is the per-subscriber buffer. A subscriber
	// that falls this far behind is dropped rather than blocking the run.
	DefaultChannelCapacity = 2048
)

// Subscription is a live attachment to one run's event stream.
type Subscription struct {
	// ID uniquely identifies this subscription for unsubscribing.
	ID string

	// RunID is the run this subscription listens to.
	RunID string

	// C delivers replayed history followed by live events. It is closed
	// when the subscription is removed, including when the subscriber
	// falls too far behind to keep up.
	C <-chan Event

	ch chan Event
}

// Hub fans events out to per-run subscribers and retains bounded history.
//
// Description:
//
//	Publishing never blocks on a slow consumer: sends are non-blocking,
//	and a subscriber whose buffer is full is silently unsubscribed and
//	its channel closed. New subscribers get a replay of the most recent
//	history so reconnects do not lose the run narrative.
//
// Thread Safety: Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[string]*Subscription
	history map[string][]Event

	historyLimit int
	replayLimit  int
	chanCap      int

	// onDrop, if set, is notified after a slow subscriber is evicted.
	onDrop func(runID, subID string)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHistoryLimit sets how many events are retained per run.
func WithHistoryLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithReplayLimit sets how many recent events new subscribers receive.
func WithReplayLimit(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.replayLimit = n
		}
	}
}

// WithChannelCapacity sets the per-subscriber buffer size.
func WithChannelCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.chanCap = n
		}
	}
}

// WithDropCallback registers a hook invoked after a slow subscriber
// has been evicted. Used to count drops in metrics.
func WithDropCallback(fn func(runID, subID string)) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// NewHub creates a hub with default limits.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:         make(map[string]map[string]*Subscription),
		history:      make(map[string][]Event),
		historyLimit: DefaultHistoryLimit,
		replayLimit:  DefaultReplayLimit,
		chanCap:      DefaultChannelCapacity,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches to a run's event stream.
//
// Description:
//
//	The returned subscription's channel first yields a replay of the
//	most recent history for the run, then live events in publish order.
//	Callers must drain the channel promptly or risk being dropped, and
//	must Unsubscribe when done.
//
// Inputs:
//
//	runID - The run to listen to.
//
// Outputs:
//
//	*Subscription - The attachment; read events from its C channel.
func (h *Hub) Subscribe(runID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.chanCap)
	sub := &Subscription{
		ID:    uuid.NewString(),
		RunID: runID,
		C:     ch,
		ch:    ch,
	}

	if h.subs[runID] == nil {
		h.subs[runID] = make(map[string]*Subscription)
	}
	h.subs[runID][sub.ID] = sub

	// Replay cannot exceed the channel buffer, or it would block while
	// the lock is held.
	replay := h.replayLimit
	if replay > h.chanCap {
		replay = h.chanCap
	}
	hist := h.history[runID]
	if len(hist) > replay {
		hist = hist[len(hist)-replay:]
	}
	for _, ev := range hist {
		ch <- ev
	}

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (h *Hub) Unsubscribe(runID, subscriptionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(runID, subscriptionID)
}

// removeLocked deletes a subscription and closes its channel. The caller
// must hold h.mu; removal under the lock is what makes the close safe
// against concurrent Publish sends.
func (h *Hub) removeLocked(runID, subscriptionID string) bool {
	reg := h.subs[runID]
	sub, ok := reg[subscriptionID]
	if !ok {
		return false
	}
	delete(reg, subscriptionID)
	if len(reg) == 0 {
		delete(h.subs, runID)
	}
	close(sub.ch)
	return true
}

// Publish broadcasts an event to a run's subscribers and history.
//
// Description:
//
//	The event type defaults to TypeLog and the timestamp to the current
//	wall clock when unset. History is appended with the oldest events
//	evicted past the retention limit. Delivery is non-blocking: any
//	subscriber whose buffer is full is unsubscribed and its channel
//	closed, so one stalled client cannot stall the run.
//
// Inputs:
//
//	runID - The run whose stream receives the event.
//	ev - The event to publish.
func (h *Hub) Publish(runID string, ev Event) {
	if ev.Type == "" {
		ev.Type = TypeLog
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = now()
	}

	var dropped []string

	h.mu.Lock()
	hist := append(h.history[runID], ev)
	if len(hist) > h.historyLimit {
		hist = hist[len(hist)-h.historyLimit:]
	}
	h.history[runID] = hist

	for id, sub := range h.subs[runID] {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		h.removeLocked(runID, id)
	}
	h.mu.Unlock()

	for _, id := range dropped {
		slog.Warn("event subscriber fell behind, unsubscribed",
			"run_id", runID,
			"subscription_id", id,
		)
		if h.onDrop != nil {
			h.onDrop(runID, id)
		}
	}
}

// History returns a copy of the retained events for a run.
func (h *Hub) History(runID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.history[runID]
	out := make([]Event, len(hist))
	copy(out, hist)
	return out
}

// Clear discards the retained history for a run. Live subscriptions
// are unaffected.
func (h *Hub) Clear(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.history, runID)
}

// SubscriberCount returns the number of active subscriptions for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
