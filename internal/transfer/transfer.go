// Package transfer drives selective downloads and streams of a single file
// inside a torrent.
package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/engine"
	"magplay/internal/session"
)

var (
	ErrStorageNotConfigured = errors.New("download directory not configured")
	ErrInvalidFileIndex     = errors.New("invalid file index")
	ErrPriorityAssignment   = errors.New("file priority assignment failed")
	ErrReadinessCheck       = errors.New("readiness check failed")
	ErrEngine               = errors.New("engine reported an error")
	ErrStopped              = errors.New("transfer stopped")
)

type State int32

const (
	StateIdle State = iota
	StateMetadataPending
	StateDownloading
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMetadataPending:
		return "metadata_pending"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Callbacks receive transfer updates. All but OnReady run on the engine's
// event goroutine, in emission order, and must return quickly.
type Callbacks struct {
	OnMetadata func(meta domain.TorrentMetadata)
	OnProgress func(percent float64)
	OnSpeed    func(download, upload int64)
	OnReady    func(path string)
	OnError    func(err error)
	OnStop     func()
}

// Transfer is one active selective download or stream.
type Transfer struct {
	id        string
	mode      domain.TransferMode
	uri       string
	infoHash  string
	fileIndex int
	root      string
	threshold float64
	cb        Callbacks
	session   *session.Session
	filter    *session.HandleFilter
	registry  *Registry
	logger    *logrus.Entry

	mu       sync.Mutex
	state    State
	handle   engine.Handle
	eng      engine.Engine
	meta     *domain.TorrentMetadata
	filePath string
	sample   domain.ProgressSample

	readyFired atomic.Bool
	probe      chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func (t *Transfer) ID() string                { return t.id }
func (t *Transfer) Mode() domain.TransferMode { return t.mode }
func (t *Transfer) URI() string               { return t.uri }
func (t *Transfer) InfoHash() string          { return t.infoHash }
func (t *Transfer) FileIndex() int            { return t.fileIndex }
func (t *Transfer) ReadyFired() bool          { return t.readyFired.Load() }

// Done is closed once the transfer has been stopped.
func (t *Transfer) Done() <-chan struct{} { return t.done }

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FilePath is the absolute on-disk path of the target file, known once
// metadata has arrived.
func (t *Transfer) FilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filePath
}

func (t *Transfer) Metadata() (domain.TorrentMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta == nil {
		return domain.TorrentMetadata{}, false
	}
	return *t.meta, true
}

func (t *Transfer) Progress() domain.ProgressSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sample
}

// Stop removes the torrent from the engine and detaches the transfer. It is
// idempotent and never fails; cleanup errors are logged.
func (t *Transfer) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.state = StateStopped
		h, eng := t.handle, t.eng
		t.mu.Unlock()

		close(t.done)
		t.filter.Close()
		t.session.RemoveListener(t.filter)

		if h != nil && eng != nil && h.Valid() {
			if err := eng.Remove(h); err != nil {
				t.logger.Warnf("remove torrent: %v", err)
			}
		}
		if t.registry != nil {
			t.registry.clearIf(t)
		}
		t.logger.Info("transfer stopped")
		if t.cb.OnStop != nil {
			t.cb.OnStop()
		}
	})
}

func (t *Transfer) bind(h engine.Handle, eng engine.Engine) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return false
	}
	t.handle = h
	t.eng = eng
	return true
}

func (t *Transfer) onEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventMetadataReceived:
		t.onMetadata(ev)
	case engine.EventProgress:
		t.onProgress(ev)
	case engine.EventTorrentError, engine.EventListenFailed, engine.EventDHTError:
		t.logger.WithField("event", ev.Type.String()).Warnf("engine error: %s", ev.Message)
		t.emitError(fmt.Errorf("%w: %s", ErrEngine, ev.Message))
	}
}

func (t *Transfer) onMetadata(ev engine.Event) {
	if ev.Metadata == nil {
		return
	}

	t.mu.Lock()
	if t.state == StateStopped || t.meta != nil {
		t.mu.Unlock()
		return
	}
	meta := *ev.Metadata
	meta.Files = append([]domain.FileEntry(nil), ev.Metadata.Files...)
	t.meta = &meta
	if t.state == StateMetadataPending {
		t.state = StateDownloading
	}
	if t.fileIndex < len(meta.Files) {
		t.filePath = filepath.Join(t.root, filepath.FromSlash(meta.Files[t.fileIndex].Path))
	}
	h, eng := t.handle, t.eng
	progress := t.sample.Progress
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"name":  meta.Name,
		"files": len(meta.Files),
	}).Info("metadata received")

	if t.cb.OnMetadata != nil {
		t.cb.OnMetadata(meta)
	}
	if err := applyPriorities(eng, h, len(meta.Files), t.fileIndex); err != nil {
		t.logger.Errorf("set file priorities: %v", err)
		t.emitError(err)
	}
	t.requestProbe(progress)
}

// applyPriorities wants only the target file.
func applyPriorities(eng engine.Engine, h engine.Handle, numFiles, index int) error {
	if index < 0 || index >= numFiles {
		return fmt.Errorf("%w: %w: index %d of %d files", ErrPriorityAssignment, ErrInvalidFileIndex, index, numFiles)
	}
	priorities := make([]engine.Priority, numFiles)
	for i := range priorities {
		priorities[i] = engine.PrioritySkip
	}
	priorities[index] = engine.PriorityNormal

	if err := eng.SetFilePriorities(h, priorities); err != nil {
		return fmt.Errorf("%w: %w", ErrPriorityAssignment, err)
	}
	return nil
}

func (t *Transfer) onProgress(ev engine.Event) {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	p := ev.Progress.Progress
	if t.meta != nil && t.fileIndex < len(t.meta.Files) && t.fileIndex < len(ev.FileCompleted) {
		if size := t.meta.Files[t.fileIndex].Size; size > 0 {
			p = float64(ev.FileCompleted[t.fileIndex]) / float64(size)
		}
	}
	p = clamp(p)
	t.sample = domain.ProgressSample{
		Progress:     p,
		DownloadRate: ev.Progress.DownloadRate,
		UploadRate:   ev.Progress.UploadRate,
	}
	t.mu.Unlock()

	if t.cb.OnProgress != nil {
		t.cb.OnProgress(p * 100)
	}
	if t.cb.OnSpeed != nil {
		t.cb.OnSpeed(ev.Progress.DownloadRate, ev.Progress.UploadRate)
	}
	t.requestProbe(p)
}

func (t *Transfer) emitError(err error) {
	if t.cb.OnError != nil {
		t.cb.OnError(err)
	}
}

// requestProbe asks the probe worker to check the file. Requests coalesce.
func (t *Transfer) requestProbe(progress float64) {
	if t.probe == nil || t.readyFired.Load() || progress < t.threshold {
		return
	}
	select {
	case t.probe <- struct{}{}:
	default:
	}
}

func (t *Transfer) probeLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.probe:
			t.checkReady()
		}
	}
}

func (t *Transfer) checkReady() {
	t.mu.Lock()
	path := t.filePath
	stopped := t.state == StateStopped
	t.mu.Unlock()
	if path == "" || stopped {
		return
	}

	ok, err := fileReady(path)
	if err != nil {
		t.logger.Debugf("probe %s: %v", path, err)
		return
	}
	if ok {
		t.fireReady(path)
	}
}

func (t *Transfer) fireReady(path string) {
	t.mu.Lock()
	if t.state == StateStopped || t.readyFired.Load() {
		t.mu.Unlock()
		return
	}
	t.readyFired.Store(true)
	t.state = StateReady
	t.mu.Unlock()

	t.logger.WithField("path", path).Info("stream ready")
	if t.cb.OnReady != nil {
		t.cb.OnReady(path)
	}
}

// fileReady reports whether path is a regular file with data. A missing file
// is not an error.
func fileReady(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReadinessCheck, err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
