package api

import (
	"sync"

	"github.com/samcharles93/duplex/internal/engine"
)

// Hub fans the engine's single notification channel out to any number of
// SSE subscribers. Slow subscribers lose events rather than stalling the
// hub; the engine applies the same policy to the hub itself.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan engine.Event
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan engine.Event)}
}

// Run pumps events until the source channel closes, then closes every
// subscriber.
func (h *Hub) Run(source <-chan engine.Event) {
	for ev := range source {
		h.mu.Lock()
		for _, ch := range h.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Subscribe registers a new event consumer. The returned function removes
// the subscription; it is safe to call after the hub has shut down.
func (h *Hub) Subscribe() (<-chan engine.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan engine.Event, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}
