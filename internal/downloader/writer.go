package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/repository"
	"magplay/internal/service"
)

const writeTimeout = 5 * time.Second

type writeJob struct {
	name string
	id   int64
	fn   func(ctx context.Context) error
}

// writer persists transfer changes off the engine's event goroutine. Status
// changes are applied in order; progress samples coalesce per transfer.
// Queuing never blocks the caller.
type writer struct {
	svc    service.TransferService
	logger *logrus.Entry

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []writeJob
	pending map[int64]Update
	closed  bool
}

func newWriter(svc service.TransferService, logger *logrus.Entry) *writer {
	return &writer{
		svc:     svc,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[int64]Update),
	}
}

func (w *writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			w.drain()
			return
		case <-w.wake:
			w.drain()
		}
	}
}

// drain applies queued jobs in order, then pending progress.
func (w *writer) drain() {
	for {
		w.mu.Lock()
		jobs := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(jobs) == 0 {
			break
		}
		for _, j := range jobs {
			w.apply(j)
		}
	}
	w.flushProgress()
}

func (w *writer) apply(j writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		logger := w.logger.WithField("transfer_id", j.id)
		if errors.Is(err, repository.ErrNotFound) {
			logger.Debugf("%s: record gone", j.name)
			return
		}
		logger.Warnf("%s: %v", j.name, err)
	}
}

func (w *writer) flushProgress() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[int64]Update)
	w.mu.Unlock()

	for id, u := range batch {
		u := u
		w.apply(writeJob{name: "update progress", id: id, fn: func(ctx context.Context) error {
			return w.svc.UpdateProgress(ctx, u.TransferID, u.Progress, u.DownloadRate, u.UploadRate)
		}})
	}
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// enqueue reports false when the writer has shut down.
func (w *writer) enqueue(j writeJob) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.WithField("transfer_id", j.id).Warnf("%s dropped after shutdown", j.name)
		return false
	}
	w.queue = append(w.queue, j)
	w.mu.Unlock()
	w.signal()
	return true
}

// flush blocks until every write queued so far has been applied.
func (w *writer) flush(ctx context.Context) {
	barrier := make(chan struct{})
	queued := w.enqueue(writeJob{name: "flush", fn: func(context.Context) error {
		close(barrier)
		return nil
	}})
	if !queued {
		return
	}
	select {
	case <-barrier:
	case <-w.done:
	case <-ctx.Done():
	}
}

func (w *writer) progress(id int64, u Update) {
	w.mu.Lock()
	w.pending[id] = u
	w.mu.Unlock()
	w.signal()
}

func (w *writer) status(id int64, status domain.TransferStatus, msg *string) {
	w.enqueue(writeJob{name: "update status", id: id, fn: func(ctx context.Context) error {
		return w.svc.UpdateStatus(ctx, id, status, msg)
	}})
}

func (w *writer) torrentInfo(id int64, meta domain.TorrentMetadata, path string) {
	w.enqueue(writeJob{name: "update torrent info", id: id, fn: func(ctx context.Context) error {
		if err := w.svc.UpdateTorrentInfo(ctx, id, &meta, path); err != nil {
			return err
		}
		return w.svc.UpdateStatus(ctx, id, domain.TransferStatusDownloading, nil)
	}})
}

func (w *writer) ready(id int64) {
	w.enqueue(writeJob{name: "mark ready", id: id, fn: func(ctx context.Context) error {
		return w.svc.MarkReady(ctx, id)
	}})
}

func (w *writer) completed(id int64) {
	w.enqueue(writeJob{name: "mark completed", id: id, fn: func(ctx context.Context) error {
		return w.svc.MarkCompleted(ctx, id)
	}})
}

func (w *writer) s3Location(id int64, location string) {
	w.enqueue(writeJob{name: "set s3 location", id: id, fn: func(ctx context.Context) error {
		return w.svc.SetS3Location(ctx, id, location)
	}})
}
