package downloader

import "sync"

const subscriberBuffer = 16

// hub fans transfer updates out to subscribers. Slow subscribers miss
// updates rather than blocking the engine.
type hub struct {
	mu   sync.Mutex
	subs map[int64]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Update
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func newHub() *hub {
	return &hub{subs: make(map[int64]map[*subscriber]struct{})}
}

func (h *hub) subscribe(id int64) (<-chan Update, func()) {
	sub := &subscriber{ch: make(chan Update, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		if set, ok := h.subs[id]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, id)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
}

func (h *hub) publish(id int64, u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[id] {
		select {
		case sub.ch <- u:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, id)
	}
}
