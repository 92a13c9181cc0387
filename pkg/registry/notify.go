package registry

import (
	"context"
	"sync"

	"github.com/loglineos/core/pkg/record"
)

// hub fans every inserted row out to in-process subscribers. The postgres
// backend additionally raises pg_notify('timeline_updates', ...) from its
// insert trigger for out-of-process listeners; this hub serves the SSE
// stream and tests without a round-trip.
type hub struct {
	mu     sync.Mutex
	subs   map[chan record.Record]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan record.Record]struct{})}
}

func (h *hub) subscribe(ctx context.Context) <-chan record.Record {
	ch := make(chan record.Record, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch
}

// publish delivers r to every subscriber. Slow subscribers drop rows rather
// than block inserts; SSE consumers resynchronize via GET /records.
func (h *hub) publish(r record.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
