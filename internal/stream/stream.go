package stream

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-subscriber channel size when none is given.
const DefaultBuffer = 32

// Hub fans out values to all active subscribers (SSE clients, mirrors).
// Slow subscribers miss values instead of blocking Publish.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[int]chan T
	next int
}

func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub[T]) Subscribe(ctx context.Context, buffer int) <-chan T {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Publish delivers v to every subscriber with room in its buffer.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers is the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
