// Package anacrolix runs the torrent engine on github.com/anacrolix/torrent.
package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/engine"
)

// Engine adapts a torrent.Client to engine.Engine. It has no native alert
// stream, so metadata and progress events are produced by one goroutine per
// request.
type Engine struct {
	logger *logrus.Entry

	// configure, when set, adjusts the client config after settings apply.
	configure func(*torrent.ClientConfig)

	mu       sync.Mutex
	client   *torrent.Client
	sink     func(engine.Event)
	interval time.Duration
	entries  map[metainfo.Hash]*entry
	stores   map[string]storage.ClientImplCloser
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		logger:  logger.WithField("component", "engine"),
		entries: make(map[metainfo.Hash]*entry),
		stores:  make(map[string]storage.ClientImplCloser),
	}
}

// entry is one torrent in the client, shared by every handle issued for its
// info-hash. Fields are guarded by Engine.mu.
type entry struct {
	hash   metainfo.Hash
	t      *torrent.Torrent
	dir    string
	leases map[*handle]struct{}
}

func (ent *entry) downloading() bool {
	for h := range ent.leases {
		if h.download {
			return true
		}
	}
	return false
}

// handle is issued per request. Each handle gets its own metadata and
// progress events and its own wanted files.
type handle struct {
	id       string
	ent      *entry
	download bool
	wanted   []engine.Priority
	dropped  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func (h *handle) ID() string       { return h.id }
func (h *handle) InfoHash() string { return h.ent.hash.HexString() }
func (h *handle) Valid() bool      { return !h.dropped.Load() }

func (e *Engine) Start(settings engine.Settings, sink func(engine.Event)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	if sink == nil {
		sink = func(engine.Event) {}
	}

	cfg := torrent.NewDefaultClientConfig()
	if settings.DataDir != "" {
		cfg.DataDir = settings.DataDir
	}
	if settings.ListenPort > 0 {
		cfg.ListenPort = settings.ListenPort
	}
	cfg.Seed = false
	cfg.NoDHT = !settings.EnableDHT
	cfg.NoDefaultPortForwarding = !settings.EnableUPnP && !settings.EnableNATPMP
	if settings.UserAgent != "" {
		cfg.HTTPUserAgent = settings.UserAgent
		cfg.ExtendedHandshakeClientVersion = settings.UserAgent
	}
	if len(settings.BootstrapNodes) > 0 {
		nodes := append([]string(nil), settings.BootstrapNodes...)
		cfg.DhtStartingNodes = func(network string) dht.StartingNodesGetter {
			return func() ([]dht.Addr, error) {
				return resolveNodes(network, nodes)
			}
		}
	}
	if settings.EnableLSD {
		e.logger.Debug("local service discovery not available, relying on dht and trackers")
	}
	if e.configure != nil {
		e.configure(cfg)
	}

	client, err := torrent.NewClient(cfg)
	if err != nil {
		sink(engine.Event{Type: engine.EventListenFailed, Message: err.Error()})
		return fmt.Errorf("create torrent client: %w", err)
	}

	e.client = client
	e.sink = sink
	e.interval = settings.ProgressInterval
	if e.interval <= 0 {
		e.interval = time.Second
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	sink(engine.Event{Type: engine.EventListenSucceeded, Message: fmt.Sprint(client.ListenAddrs())})
	if settings.EnableDHT {
		if len(client.DhtServers()) == 0 {
			sink(engine.Event{Type: engine.EventDHTError, Message: "no dht server running"})
		} else {
			sink(engine.Event{Type: engine.EventDHTBootstrap, Message: fmt.Sprintf("%d dht servers", len(client.DhtServers()))})
		}
	}
	e.logger.Infof("torrent engine started, data dir: %s", cfg.DataDir)
	return nil
}

func (e *Engine) FetchMetadata(uri string, timeout time.Duration, stagingDir string) (engine.Handle, error) {
	h, err := e.add(uri, stagingDir, false)
	if err != nil {
		return nil, err
	}
	go e.awaitMetadata(h, timeout)
	return h, nil
}

func (e *Engine) Download(uri string, downloadDir string) (engine.Handle, error) {
	h, err := e.add(uri, downloadDir, true)
	if err != nil {
		return nil, err
	}
	go e.pump(h)
	return h, nil
}

// SetFilePriorities records the files h wants. A file is downloaded while any
// handle of the torrent wants it.
func (e *Engine) SetFilePriorities(h engine.Handle, priorities []engine.Priority) error {
	hh, ok := h.(*handle)
	if !ok || !hh.Valid() {
		return engine.ErrInvalidHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t := hh.ent.t
	if t.Info() == nil {
		return errors.New("metadata not available")
	}
	if n := len(t.Files()); len(priorities) != n {
		return fmt.Errorf("got %d priorities for %d files", len(priorities), n)
	}
	hh.wanted = append([]engine.Priority(nil), priorities...)
	applyPriorities(hh.ent)
	return nil
}

// applyPriorities sets each file to the union of what the entry's handles
// want. Engine.mu must be held.
func applyPriorities(ent *entry) {
	if ent.t.Info() == nil {
		return
	}
	for i, f := range ent.t.Files() {
		want := false
		for h := range ent.leases {
			if i < len(h.wanted) && h.wanted[i] != engine.PrioritySkip {
				want = true
				break
			}
		}
		if want {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
}

func (e *Engine) Remove(h engine.Handle) error {
	hh, ok := h.(*handle)
	if !ok || !hh.Valid() {
		return engine.ErrInvalidHandle
	}
	e.release(hh)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.client == nil {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	for hash, ent := range e.entries {
		for h := range ent.leases {
			h.dropped.Store(true)
		}
		delete(e.entries, hash)
	}
	client := e.client
	e.client = nil
	stores := e.stores
	e.stores = make(map[string]storage.ClientImplCloser)
	e.mu.Unlock()

	e.wg.Wait()
	client.Close()

	var errs []error
	for dir, s := range stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage %s: %w", dir, err))
		}
	}
	e.logger.Info("torrent engine stopped")
	return errors.Join(errs...)
}

// add issues a new handle for the magnet, adding the torrent to the client
// when no handle holds it yet. The caller must start one goroutine for the
// handle that calls e.wg.Done.
func (e *Engine) add(uri, dir string, download bool) (*handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, engine.ErrNotStarted
	}

	spec, err := torrent.TorrentSpecFromMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}

	ent, ok := e.entries[spec.InfoHash]
	switch {
	case !ok:
		t, err := e.addTorrent(spec, dir)
		if err != nil {
			return nil, err
		}
		ent = &entry{hash: spec.InfoHash, t: t, dir: dir, leases: make(map[*handle]struct{})}
		e.entries[spec.InfoHash] = ent
	case download && ent.dir != dir:
		if ent.downloading() {
			return nil, fmt.Errorf("%w: %s is stored in %s", engine.ErrStorageConflict, spec.InfoHash.HexString(), ent.dir)
		}
		if err := e.relocate(ent, spec, dir); err != nil {
			return nil, err
		}
	default:
		ent.t.AddTrackers(spec.Trackers)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	h := &handle{
		id:       uuid.NewString(),
		ent:      ent,
		download: download,
		ctx:      ctx,
		cancel:   cancel,
	}
	ent.leases[h] = struct{}{}
	// counted here so Close cannot miss the handle's goroutine
	e.wg.Add(1)
	return h, nil
}

// addTorrent adds spec with its data stored under dir. Engine.mu must be held.
func (e *Engine) addTorrent(spec *torrent.TorrentSpec, dir string) (*torrent.Torrent, error) {
	if dir != "" {
		spec.Storage = e.storageFor(dir)
	}
	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	return t, nil
}

// relocate re-adds a metadata-only torrent with storage under dir, keeping
// its info when already fetched. Pending metadata waiters follow the new
// torrent. Engine.mu must be held.
func (e *Engine) relocate(ent *entry, spec *torrent.TorrentSpec, dir string) error {
	old := ent.t
	if old.Info() != nil {
		spec.InfoBytes = old.Metainfo().InfoBytes
	}
	old.Drop()

	t, err := e.addTorrent(spec, dir)
	if err != nil {
		delete(e.entries, ent.hash)
		for h := range ent.leases {
			h.dropped.Store(true)
			h.cancel()
		}
		return err
	}
	e.logger.WithField("info_hash", ent.hash.HexString()).Debugf("moved torrent storage from %q to %q", ent.dir, dir)
	ent.t = t
	ent.dir = dir
	return nil
}

func (e *Engine) storageFor(dir string) storage.ClientImplCloser {
	if s, ok := e.stores[dir]; ok {
		return s
	}
	s := storage.NewFile(dir)
	e.stores[dir] = s
	return s
}

// release invalidates h. The torrent is dropped once no handle holds it;
// otherwise the remaining handles' priorities are reapplied.
func (e *Engine) release(h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.dropped.Swap(true) {
		return
	}
	h.cancel()

	ent := h.ent
	delete(ent.leases, h)
	if len(ent.leases) > 0 {
		applyPriorities(ent)
		return
	}
	if cur, ok := e.entries[ent.hash]; ok && cur == ent {
		delete(e.entries, ent.hash)
	}
	ent.t.Drop()
}

func (e *Engine) torrentOf(h *handle) *torrent.Torrent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return h.ent.t
}

func (e *Engine) emit(ev engine.Event) {
	e.sink(ev)
}

func (e *Engine) awaitMetadata(h *handle, timeout time.Duration) {
	defer e.wg.Done()
	defer e.release(h)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		t := e.torrentOf(h)
		select {
		case <-t.GotInfo():
			e.emit(engine.Event{
				Type:     engine.EventMetadataReceived,
				Handle:   h,
				Metadata: metadataOf(t),
			})
			return
		case <-t.Closed():
			// a relocated torrent is replaced, keep waiting on the new one
			if !h.Valid() || e.torrentOf(h) == t {
				return
			}
		case <-deadline:
			e.logger.WithField("info_hash", h.InfoHash()).Debug("metadata fetch abandoned")
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (e *Engine) pump(h *handle) {
	defer e.wg.Done()
	logger := e.logger.WithFields(logrus.Fields{"info_hash": h.InfoHash(), "handle": h.id})
	t := e.torrentOf(h)

	select {
	case <-h.ctx.Done():
		return
	case <-t.Closed():
		e.reportClosed(h)
		return
	case <-t.GotInfo():
	}

	e.emit(engine.Event{
		Type:     engine.EventMetadataReceived,
		Handle:   h,
		Metadata: metadataOf(t),
	})
	logger.Debug("metadata received")

	stats := t.Stats()
	lastRead := stats.BytesReadData.Int64()
	lastWritten := stats.BytesWrittenData.Int64()
	lastTime := time.Now()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.Closed():
			e.reportClosed(h)
			return
		case now := <-ticker.C:
			stats := t.Stats()
			read := stats.BytesReadData.Int64()
			written := stats.BytesWrittenData.Int64()
			elapsed := now.Sub(lastTime).Seconds()

			var down, up int64
			if elapsed > 0 {
				down = int64(float64(read-lastRead) / elapsed)
				up = int64(float64(written-lastWritten) / elapsed)
			}
			lastRead, lastWritten, lastTime = read, written, now

			progress, completed := e.sampleFiles(h, t)
			e.emit(engine.Event{
				Type:   engine.EventProgress,
				Handle: h,
				Progress: domain.ProgressSample{
					Progress:     progress,
					DownloadRate: down,
					UploadRate:   up,
				},
				FileCompleted: completed,
			})
		}
	}
}

func (e *Engine) reportClosed(h *handle) {
	if !h.Valid() {
		return
	}
	e.emit(engine.Event{
		Type:    engine.EventTorrentError,
		Handle:  h,
		Message: "torrent closed by engine",
	})
}

// sampleFiles returns completion over the files h wants and bytes completed
// per file.
func (e *Engine) sampleFiles(h *handle, t *torrent.Torrent) (float64, []int64) {
	e.mu.Lock()
	wanted := h.wanted
	e.mu.Unlock()

	files := t.Files()
	completed := make([]int64, len(files))
	var done, total int64
	for i, f := range files {
		completed[i] = f.BytesCompleted()
		if i < len(wanted) && wanted[i] != engine.PrioritySkip {
			done += completed[i]
			total += f.Length()
		}
	}
	if total == 0 {
		return 0, completed
	}
	return float64(done) / float64(total), completed
}

func metadataOf(t *torrent.Torrent) *domain.TorrentMetadata {
	info := t.Info()
	mi := t.Metainfo()

	files := t.Files()
	entries := make([]domain.FileEntry, len(files))
	for i, f := range files {
		entries[i] = domain.FileEntry{
			Name:     path.Base(f.DisplayPath()),
			Path:     f.Path(),
			Size:     f.Length(),
			Priority: int(f.Priority()),
		}
	}

	meta := &domain.TorrentMetadata{
		Name:      info.BestName(),
		TotalSize: info.TotalLength(),
		NumFiles:  len(entries),
		Files:     entries,
		InfoHash:  t.InfoHash().HexString(),
		Comment:   mi.Comment,
		Creator:   mi.CreatedBy,
	}
	if mi.CreationDate > 0 {
		created := time.Unix(mi.CreationDate, 0).UTC()
		meta.CreationDate = &created
	}
	return meta
}

func resolveNodes(network string, hostPorts []string) ([]dht.Addr, error) {
	var (
		addrs   []dht.Addr
		lastErr error
	)
	for _, hp := range hostPorts {
		ua, err := net.ResolveUDPAddr(network, hp)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, dht.NewAddr(ua))
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("resolve bootstrap nodes: %w", lastErr)
	}
	return addrs, nil
}

var _ engine.Engine = (*Engine)(nil)
