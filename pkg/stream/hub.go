package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub delivers the newest chunk to every subscriber. Each subscriber has a
// one-slot buffer; a viewer that falls behind loses older chunks and the
// publisher never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]chan []byte
	closed bool
	logger *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[uuid.UUID]chan []byte), logger: logger}
}

// Subscribe registers a viewer. The channel is closed by the returned cancel
// func or by Close.
func (h *Hub) Subscribe() (uuid.UUID, <-chan []byte, func()) {
	id := uuid.New()
	ch := make(chan []byte, 1)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[id] = ch
	}
	h.mu.Unlock()
	h.logger.Debug("viewer subscribed", zap.Stringer("id", id))

	return id, ch, func() { h.unsubscribe(id) }
}

func (h *Hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
		h.logger.Debug("viewer left", zap.Stringer("id", id))
	}
}

// Publish hands chunk to every subscriber, replacing any chunk it has not
// consumed yet.
func (h *Hub) Publish(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- chunk:
			continue
		default:
		}
		// drop the stale chunk; the mutex keeps other publishers out
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Subscribers returns the number of connected viewers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Frames returns a lazy sequence of chunks for one viewer. It ends when ctx
// is done, the hub closes or the consumer stops ranging.
func (h *Hub) Frames(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		_, ch, cancel := h.Subscribe()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-ch:
				if !ok || !yield(chunk) {
					return
				}
			}
		}
	}
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
