// Package enginetest provides a scriptable engine for tests.
package enginetest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"magplay/internal/engine"
)

// Handle is the handle type issued by Fake.
type Handle struct {
	id       string
	infoHash string
	removed  atomic.Bool
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) InfoHash() string { return h.infoHash }
func (h *Handle) Valid() bool      { return !h.removed.Load() }

// Request records one FetchMetadata or Download call.
type Request struct {
	URI          string
	Dir          string
	Timeout      time.Duration
	MetadataOnly bool
	Handle       *Handle
}

// Fake records calls and lets tests emit events.
type Fake struct {
	// StartErr, when set, is returned by Start.
	StartErr error
	// PriorityErr, when set, is returned by SetFilePriorities.
	PriorityErr error
	// OnRequest runs after a request is recorded, outside the lock.
	OnRequest func(Request)

	mu         sync.Mutex
	sink       func(engine.Event)
	settings   engine.Settings
	started    int
	closed     int
	seq        int
	requests   []Request
	priorities map[string][][]engine.Priority
	removed    []string
}

func New() *Fake {
	return &Fake{priorities: make(map[string][][]engine.Priority)}
}

func (f *Fake) Start(settings engine.Settings, sink func(engine.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started++
	f.settings = settings
	f.sink = sink
	return nil
}

func (f *Fake) FetchMetadata(uri string, timeout time.Duration, stagingDir string) (engine.Handle, error) {
	return f.request(Request{URI: uri, Dir: stagingDir, Timeout: timeout, MetadataOnly: true})
}

func (f *Fake) Download(uri string, downloadDir string) (engine.Handle, error) {
	return f.request(Request{URI: uri, Dir: downloadDir})
}

func (f *Fake) request(req Request) (engine.Handle, error) {
	f.mu.Lock()
	if f.sink == nil {
		f.mu.Unlock()
		return nil, engine.ErrNotStarted
	}
	f.seq++
	req.Handle = &Handle{id: fmt.Sprintf("h%d", f.seq), infoHash: fmt.Sprintf("%040d", f.seq)}
	f.requests = append(f.requests, req)
	hook := f.OnRequest
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return req.Handle, nil
}

func (f *Fake) SetFilePriorities(h engine.Handle, priorities []engine.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PriorityErr != nil {
		return f.PriorityErr
	}
	if !h.Valid() {
		return engine.ErrInvalidHandle
	}
	f.priorities[h.ID()] = append(f.priorities[h.ID()], append([]engine.Priority(nil), priorities...))
	return nil
}

func (f *Fake) Remove(h engine.Handle) error {
	fh, ok := h.(*Handle)
	if !ok || fh.removed.Swap(true) {
		return engine.ErrInvalidHandle
	}
	f.mu.Lock()
	f.removed = append(f.removed, h.ID())
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.sink = nil
	return nil
}

// Emit delivers ev synchronously, as an engine goroutine would.
func (f *Fake) Emit(ev engine.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// LastHandle returns the handle issued by the most recent request.
func (f *Fake) LastHandle() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1].Handle
}

func (f *Fake) Priorities(h engine.Handle) [][]engine.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]engine.Priority(nil), f.priorities[h.ID()]...)
}

func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *Fake) Settings() engine.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *Fake) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ engine.Engine = (*Fake)(nil)
