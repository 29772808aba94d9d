package transfer

import "sync"

// Registry holds the single current stream.
type Registry struct {
	mu      sync.Mutex
	current *Transfer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// SetCurrent installs t and stops the previous occupant.
func (r *Registry) SetCurrent(t *Transfer) {
	r.mu.Lock()
	prev := r.current
	r.current = t
	r.mu.Unlock()

	if prev != nil && prev != t {
		prev.Stop()
	}
}

// ClearCurrent detaches the current transfer without stopping it and returns
// it, or nil when none is set.
func (r *Registry) ClearCurrent() *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.current
	r.current = nil
	return t
}

func (r *Registry) Current() *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Registry) clearIf(t *Transfer) {
	r.mu.Lock()
	if r.current == t {
		r.current = nil
	}
	r.mu.Unlock()
}
