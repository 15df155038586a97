package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// hub tracks local subscriber channels per key. Sends and closes happen
// under mu so a delivery never races an unsubscribe.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func newHub() hub {
	return hub{subs: make(map[string][]chan struct{})}
}

// add registers a new channel for key and reports whether it is the first.
func (h *hub) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.subs[key]) == 0
	h.subs[key] = append(h.subs[key], ch)
	return ch, first
}

// remove drops ch and reports whether key has no subscribers left. Removing
// an unknown channel is a no-op that reports false.
func (h *hub) remove(key string, ch chan struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		if len(subs) == 0 {
			delete(h.subs, key)
			return true
		}
		h.subs[key] = subs
		return false
	}
	return false
}

// deliver signals every subscriber of key without blocking.
func (h *hub) deliver(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- struct{}{}:
			h.delivered.Add(1)
		default:
		}
	}
}

// closeAll closes every channel and forgets all keys.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, key)
	}
}

// watch unsubscribes ch once ctx is done.
func watch(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}
