package downloader

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWriterQueueNeverBlocksAndKeepsOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := newWriter(nil, logger.WithField("component", "writer"))

	var (
		mu  sync.Mutex
		got []int
	)
	const jobs = 1000
	queued := make(chan struct{})
	go func() {
		defer close(queued)
		for i := 0; i < jobs; i++ {
			i := i
			w.enqueue(writeJob{name: "record", id: int64(i), fn: func(context.Context) error {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				return nil
			}})
		}
	}()
	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked while the writer was idle")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.run(ctx)
	w.flush(context.Background())

	mu.Lock()
	if len(got) != jobs {
		t.Fatalf("applied: got %d want %d", len(got), jobs)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d applied at position %d", v, i)
		}
	}
	mu.Unlock()

	cancel()
	<-w.done
	if w.enqueue(writeJob{name: "late", fn: func(context.Context) error { return nil }}) {
		t.Fatal("job accepted after shutdown")
	}
	w.flush(context.Background())
}
