package session

import (
	"testing"

	"magplay/internal/engine"
	"magplay/internal/engine/enginetest"
)

type testHandle string

func (h testHandle) ID() string       { return string(h) }
func (h testHandle) InfoHash() string { return string(h) }
func (h testHandle) Valid() bool      { return true }

func TestHandleFilter(t *testing.T) {
	var got []engine.Event
	f := NewHandleFilter(func(ev engine.Event) { got = append(got, ev) })

	mine, other := testHandle("a"), testHandle("b")

	f.OnEvent(engine.Event{Type: engine.EventMetadataReceived, Handle: mine})
	f.OnEvent(engine.Event{Type: engine.EventMetadataReceived, Handle: other})
	f.OnEvent(engine.Event{Type: engine.EventListenFailed})
	if len(got) != 1 || got[0].Type != engine.EventListenFailed {
		t.Fatalf("before bind only session events pass, got %+v", got)
	}

	f.Bind(mine)
	if len(got) != 2 || got[1].Handle != engine.Handle(mine) {
		t.Fatalf("bind did not replay the held event, got %+v", got)
	}

	f.OnEvent(engine.Event{Type: engine.EventProgress, Handle: other})
	f.OnEvent(engine.Event{Type: engine.EventProgress, Handle: mine})
	if len(got) != 3 {
		t.Fatalf("events after bind: got %d want 3", len(got))
	}

	f.Close()
	f.OnEvent(engine.Event{Type: engine.EventProgress, Handle: mine})
	if len(got) != 3 {
		t.Fatal("closed filter delivered an event")
	}
}

func TestHandleFilterMatchesByID(t *testing.T) {
	fake := enginetest.New()
	var n int
	f := NewHandleFilter(func(engine.Event) { n++ })
	f.Bind(testHandle("h1"))

	if err := fake.Start(engine.Settings{}, f.OnEvent); err != nil {
		t.Fatalf("start: %v", err)
	}
	h, err := fake.Download("magnet:?xt=urn:btih:x", t.TempDir())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	fake.Emit(engine.Event{Type: engine.EventProgress, Handle: h})
	if n != 1 {
		t.Fatalf("deliveries: got %d want 1", n)
	}
}
