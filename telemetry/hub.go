// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"sync"

	"github.com/relabs-tech/thermolog/core/logger"
)

// subscriberBuffer is the per-subscriber channel capacity. A dashboard
// session that cannot drain its channel misses readings, it must never
// block the ingestion callback.
const subscriberBuffer = 16

// Hub fans accepted readings out to all connected dashboard sessions.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]chan Reading
	nextID      int
}

// NewHub returns a new empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int]chan Reading),
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe() (<-chan Reading, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Reading, subscriberBuffer)
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Broadcast delivers a reading to every subscriber without ever blocking.
func (h *Hub) Broadcast(r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- r:
		default:
			logger.Default().Debugln("event subscriber", id, "is behind, dropping reading", r.Serial)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
