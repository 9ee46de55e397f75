package eventbus

import (
	"context"
	"sync"
)

// Recent keeps the last N events in a ring for diagnostics.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 100
	}
	return &Recent{buf: make([]Event, size)}
}

func (r *Recent) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// List returns events newest first.
func (r *Recent) List(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Run copies events from the bus into the ring until ctx is done.
func (r *Recent) Run(ctx context.Context, bus Bus) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Add(e)
		}
	}
}
