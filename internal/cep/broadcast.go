package cep

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eventcore/eventcore/internal/eventrule"
)

// triggerBufferSize is the per-subscriber channel buffer. Triggers are
// dropped when full rather than blocking the hot evaluation path.
const triggerBufferSize = 64

// Hub fans out trigger results to SSE subscribers without coupling the CEP
// hot path to slow consumers. Adapted from the realtime broadcast pattern
// used for database change events: mutex-guarded subscriber map,
// non-blocking publish.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan eventrule.TriggerResult
	nextID      atomic.Uint64
	logger      *slog.Logger
}

// NewHub creates an empty trigger broadcast hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan eventrule.TriggerResult),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (string, <-chan eventrule.TriggerResult) {
	id := fmt.Sprintf("t%d", h.nextID.Add(1))
	ch := make(chan eventrule.TriggerResult, triggerBufferSize)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish sends a trigger to every subscriber with a non-blocking send;
// slow subscribers lose events rather than stalling the CEP.
func (h *Hub) Publish(t eventrule.TriggerResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- t:
		default:
			h.logger.Warn("trigger subscriber buffer full, dropping", "subscriber_id", id)
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
