package session

import (
	"sync"
	"sync/atomic"

	"magplay/internal/engine"
)

const maxPending = 256

// HandleFilter forwards the events of one torrent, plus session-wide events,
// to a callback. Events that arrive before the handle is known are held and
// replayed in order by Bind. Delivery is serialised.
type HandleFilter struct {
	next func(engine.Event)

	mu      sync.Mutex
	handle  engine.Handle
	pending []engine.Event
	closed  atomic.Bool
}

func NewHandleFilter(next func(engine.Event)) *HandleFilter {
	return &HandleFilter{next: next}
}

func (f *HandleFilter) OnEvent(ev engine.Event) {
	if f.closed.Load() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Handle == nil {
		f.deliver(ev)
		return
	}
	if f.handle == nil {
		if len(f.pending) == maxPending {
			f.pending = f.pending[1:]
		}
		f.pending = append(f.pending, ev)
		return
	}
	if engine.SameHandle(f.handle, ev.Handle) {
		f.deliver(ev)
	}
}

// Bind sets the handle to match and replays held events for it.
func (f *HandleFilter) Bind(h engine.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handle = h
	pending := f.pending
	f.pending = nil
	for _, ev := range pending {
		if engine.SameHandle(h, ev.Handle) {
			f.deliver(ev)
		}
	}
}

// Close stops delivery. It is safe to call from inside the callback.
func (f *HandleFilter) Close() {
	f.closed.Store(true)
}

func (f *HandleFilter) deliver(ev engine.Event) {
	if f.closed.Load() {
		return
	}
	f.next(ev)
}
