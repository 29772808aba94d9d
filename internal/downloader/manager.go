package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/magnet"
	"magplay/internal/metrics"
	"magplay/internal/resolver"
	"magplay/internal/service"
	"magplay/internal/session"
	"magplay/internal/storage"
	"magplay/internal/transfer"
)

var (
	ErrNotActive          = errors.New("transfer is not active")
	ErrNoActiveStream     = errors.New("no active stream")
	ErrArchiveUnavailable = errors.New("archive not available")
)

// Manager coordinates resolution, transfers, persistence and archiving.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Resolve(ctx context.Context, magnetURI string, timeout time.Duration) (*domain.TorrentMetadata, error)
	StartDownload(ctx context.Context, magnetURI string, fileIndex int) (*domain.Transfer, error)
	StartStream(ctx context.Context, magnetURI string, fileIndex int) (*domain.Transfer, error)
	CurrentStream(ctx context.Context) (*domain.Transfer, error)
	StopStream(ctx context.Context) error
	Get(ctx context.Context, transferID int64) (*domain.Transfer, error)
	List(ctx context.Context) ([]domain.Transfer, error)
	Cancel(ctx context.Context, transferID int64) error
	Delete(ctx context.Context, transferID int64) error
	ArchiveURL(ctx context.Context, transferID int64) (string, error)
	Subscribe(transferID int64) (<-chan Update, func())
}

type Config struct {
	DownloadRoot   string
	ResolveTimeout time.Duration
	ArchiveOnDone  bool
	UploadOptions  storage.ArchiveOptions
	PresignTTL     time.Duration
	Logger         *logrus.Logger
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Resolver   *resolver.Resolver
	Downloader *transfer.Downloader
	Streamer   *transfer.Streamer
	Transfers  service.TransferService
	Archiver   storage.Archiver
	Metrics    *metrics.Metrics
}

type manager struct {
	cfg       Config
	resolver  *resolver.Resolver
	download  *transfer.Downloader
	stream    *transfer.Streamer
	transfers service.TransferService
	archiver  storage.Archiver
	metrics   *metrics.Metrics
	hub       *hub
	logger    *logrus.Entry

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	writes  *writer
	started atomic.Bool

	mu     sync.Mutex
	active map[int64]*activeTransfer
}

func NewManager(cfg Config, deps Deps) Manager {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = resolver.DefaultTimeout
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if abs, err := filepath.Abs(cfg.DownloadRoot); err == nil && cfg.DownloadRoot != "" {
		cfg.DownloadRoot = abs
	}
	logger := cfg.Logger.WithField("component", "manager")
	return &manager{
		cfg:       cfg,
		resolver:  deps.Resolver,
		download:  deps.Downloader,
		stream:    deps.Streamer,
		transfers: deps.Transfers,
		archiver:  deps.Archiver,
		metrics:   deps.Metrics,
		hub:       newHub(),
		logger:    logger,
		writes:    newWriter(deps.Transfers, logger),
		active:    make(map[int64]*activeTransfer),
	}
}

// Start marks transfers left running by a previous process as stopped and
// launches the persistence worker.
func (m *manager) Start(ctx context.Context) error {
	stale, err := m.transfers.ListByStatuses(ctx,
		domain.TransferStatusPending,
		domain.TransferStatusDownloading,
		domain.TransferStatusReady,
	)
	if err != nil {
		return fmt.Errorf("list stale transfers: %w", err)
	}
	msg := "interrupted by restart"
	for _, t := range stale {
		if err := m.transfers.UpdateStatus(ctx, t.ID, domain.TransferStatusStopped, &msg); err != nil {
			return fmt.Errorf("stop stale transfer %d: %w", t.ID, err)
		}
	}
	if len(stale) > 0 {
		m.logger.Infof("marked %d interrupted transfers as stopped", len(stale))
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.writes.run(m.ctx)
	}()
	m.started.Store(true)
	m.logger.Infof("transfer manager started, download root: %s", m.cfg.DownloadRoot)
	return nil
}

// Shutdown stops every running transfer and flushes pending writes.
func (m *manager) Shutdown() {
	m.mu.Lock()
	running := make([]*activeTransfer, 0, len(m.active))
	for _, a := range m.active {
		running = append(running, a)
	}
	m.mu.Unlock()

	for _, a := range running {
		if ctl := a.controller(); ctl != nil {
			ctl.Stop()
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.hub.closeAll()
	m.logger.Info("transfer manager stopped")
}

func (m *manager) Resolve(ctx context.Context, magnetURI string, timeout time.Duration) (*domain.TorrentMetadata, error) {
	if timeout <= 0 {
		timeout = m.cfg.ResolveTimeout
	}
	meta, err := m.resolver.Resolve(ctx, magnetURI, timeout)
	m.metrics.ObserveResolve(resolveOutcome(err))

	if _, histErr := m.transfers.RecordResolve(ctx, strings.TrimSpace(magnetURI), meta, err); histErr != nil {
		m.logger.Warnf("record resolve history: %v", histErr)
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func resolveOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, resolver.ErrTimeout):
		return "timeout"
	case errors.Is(err, magnet.ErrDecode):
		return "invalid"
	case errors.Is(err, resolver.ErrEngine), errors.Is(err, session.ErrEngineStart):
		return "engine_error"
	default:
		return "error"
	}
}

func (m *manager) StartDownload(ctx context.Context, magnetURI string, fileIndex int) (*domain.Transfer, error) {
	return m.launch(ctx, domain.TransferModeDownload, magnetURI, fileIndex, func(cb transfer.Callbacks) (*transfer.Transfer, error) {
		return m.download.StartDownload(ctx, magnetURI, fileIndex, cb)
	})
}

func (m *manager) StartStream(ctx context.Context, magnetURI string, fileIndex int) (*domain.Transfer, error) {
	return m.launch(ctx, domain.TransferModeStream, magnetURI, fileIndex, func(cb transfer.Callbacks) (*transfer.Transfer, error) {
		return m.stream.StartStream(ctx, magnetURI, fileIndex, cb)
	})
}

func (m *manager) launch(ctx context.Context, mode domain.TransferMode, magnetURI string, fileIndex int, start func(transfer.Callbacks) (*transfer.Transfer, error)) (*domain.Transfer, error) {
	if !m.started.Load() {
		return nil, errors.New("manager not started")
	}
	magnetURI = strings.TrimSpace(magnetURI)
	rec, err := m.transfers.CreateTransfer(ctx, magnetURI, mode, fileIndex)
	if err != nil {
		return nil, err
	}

	a := newActiveTransfer(rec.ID, mode, fileIndex)
	m.mu.Lock()
	m.active[rec.ID] = a
	m.mu.Unlock()

	ctl, err := start(m.callbacks(a))
	if err != nil {
		m.abort(a, err)
		return nil, err
	}
	m.metrics.TransferStarted(string(mode))
	if stoppedEarly := a.bind(ctl); stoppedEarly {
		m.finish(a)
	}

	rec.InfoHash = ctl.InfoHash()
	rec.Status = a.snapshot().Status
	return rec, nil
}

// abort records a transfer that never started.
func (m *manager) abort(a *activeTransfer, startErr error) {
	a.bind(nil)
	m.mu.Lock()
	delete(m.active, a.id)
	m.mu.Unlock()

	status := domain.TransferStatusFailed
	if errors.Is(startErr, transfer.ErrStopped) {
		status = domain.TransferStatusStopped
	}
	msg := startErr.Error()
	m.writes.status(a.id, status, &msg)
	m.hub.publish(a.id, a.update(func(u *Update) {
		u.Status = status
		u.Error = msg
	}))
	m.logger.WithField("transfer_id", a.id).Warnf("transfer failed to start: %v", startErr)
}

func (m *manager) callbacks(a *activeTransfer) transfer.Callbacks {
	return transfer.Callbacks{
		OnMetadata: func(meta domain.TorrentMetadata) {
			path := m.targetPath(meta, a.fileIndex)
			m.writes.torrentInfo(a.id, meta, path)
			m.hub.publish(a.id, a.update(func(u *Update) {
				u.Status = domain.TransferStatusDownloading
				u.FilePath = path
			}))
		},
		OnProgress: func(percent float64) {
			a.update(func(u *Update) { u.Progress = percent })
			if a.mode == domain.TransferModeDownload && percent >= 100 && a.markCompleting() {
				m.wg.Add(1)
				go m.complete(a)
			}
		},
		OnSpeed: func(down, up int64) {
			u := a.update(func(u *Update) {
				u.DownloadRate = down
				u.UploadRate = up
			})
			m.writes.progress(a.id, u)
			m.hub.publish(a.id, u)
		},
		OnReady: func(path string) {
			m.metrics.ObserveReady(a.started)
			m.writes.ready(a.id)
			m.hub.publish(a.id, a.update(func(u *Update) {
				u.Status = domain.TransferStatusReady
				u.FilePath = path
			}))
		},
		OnError: func(err error) {
			m.hub.publish(a.id, a.update(func(u *Update) { u.Error = err.Error() }))
		},
		OnStop: func() {
			m.finish(a)
		},
	}
}

func (m *manager) targetPath(meta domain.TorrentMetadata, fileIndex int) string {
	if fileIndex < 0 || fileIndex >= len(meta.Files) {
		return ""
	}
	return filepath.Join(m.cfg.DownloadRoot, filepath.FromSlash(meta.Files[fileIndex].Path))
}

// finish records the end of a transfer. It runs from OnStop, or from launch
// when the transfer was stopped before its controller was known.
func (m *manager) finish(a *activeTransfer) {
	if !a.markStopped() {
		return
	}
	m.mu.Lock()
	delete(m.active, a.id)
	m.mu.Unlock()
	m.metrics.TransferFinished(string(a.mode))

	status := a.terminalStatus()
	if status == domain.TransferStatusCompleted {
		m.writes.completed(a.id)
	} else {
		m.writes.status(a.id, status, nil)
	}
	m.hub.publish(a.id, a.update(func(u *Update) { u.Status = status }))
}

// complete stops a finished download and archives the file when configured.
func (m *manager) complete(a *activeTransfer) {
	defer m.wg.Done()
	logger := m.logger.WithField("transfer_id", a.id)

	select {
	case <-a.bound:
	case <-m.ctx.Done():
		return
	}
	ctl := a.controller()
	if ctl == nil {
		return
	}
	path := ctl.FilePath()
	ctl.Stop()
	logger.Info("download completed")

	if !m.cfg.ArchiveOnDone || m.archiver == nil || path == "" {
		return
	}
	m.archive(m.ctx, a.id, path, logger)
}

func (m *manager) archive(ctx context.Context, id int64, path string, logger *logrus.Entry) {
	opts := m.cfg.UploadOptions
	transferPrefix := fmt.Sprintf("transfer-%d", id)
	if prefix := strings.Trim(opts.KeyPrefix, "/"); prefix != "" {
		opts.KeyPrefix = prefix + "/" + transferPrefix
	} else {
		opts.KeyPrefix = transferPrefix
	}
	opts.OnProgress = newUploadProgressLogger(logger)

	logger.Infof("archive started from %s", path)
	dest, err := m.archiver.Archive(ctx, path, opts)
	if err != nil {
		logger.Errorf("archive: %v", err)
		m.hub.publish(id, Update{TransferID: id, Status: domain.TransferStatusCompleted, Error: err.Error(), At: time.Now()})
		return
	}
	m.writes.s3Location(id, dest)
	logger.Infof("transfer archived to %s", dest)
}

func (m *manager) CurrentStream(ctx context.Context) (*domain.Transfer, error) {
	ctl := m.stream.Current()
	if ctl == nil {
		return nil, ErrNoActiveStream
	}
	a := m.byController(ctl)
	if a == nil {
		return nil, ErrNoActiveStream
	}
	return m.Get(ctx, a.id)
}

func (m *manager) StopStream(ctx context.Context) error {
	if m.stream.Current() == nil {
		return ErrNoActiveStream
	}
	m.stream.Stop()
	return nil
}

func (m *manager) byController(ctl *transfer.Transfer) *activeTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.controller() == ctl {
			return a
		}
	}
	return nil
}

func (m *manager) lookup(id int64) (*activeTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	return a, ok
}

// Get returns the stored record, overlaid with live progress when running.
func (m *manager) Get(ctx context.Context, transferID int64) (*domain.Transfer, error) {
	rec, err := m.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if a, ok := m.lookup(transferID); ok {
		overlay(rec, a.snapshot())
	}
	return rec, nil
}

func (m *manager) List(ctx context.Context) ([]domain.Transfer, error) {
	recs, err := m.transfers.ListTransfers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if a, ok := m.lookup(recs[i].ID); ok {
			overlay(&recs[i], a.snapshot())
		}
	}
	return recs, nil
}

func overlay(rec *domain.Transfer, u Update) {
	if u.Status != "" {
		rec.Status = u.Status
	}
	rec.Progress = u.Progress
	rec.DownloadRate = u.DownloadRate
	rec.UploadRate = u.UploadRate
	if u.FilePath != "" {
		rec.FilePath = u.FilePath
	}
}

func (m *manager) Cancel(ctx context.Context, transferID int64) error {
	a, ok := m.lookup(transferID)
	if !ok {
		return ErrNotActive
	}
	select {
	case <-a.bound:
	case <-ctx.Done():
		return ctx.Err()
	}
	if ctl := a.controller(); ctl != nil {
		ctl.Stop()
	}
	return nil
}

// Delete stops the transfer if it is running, then removes its record and
// any archived objects.
func (m *manager) Delete(ctx context.Context, transferID int64) error {
	rec, err := m.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if err := m.Cancel(ctx, transferID); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	m.writes.flush(ctx)

	if rec.S3Location != "" && m.archiver != nil {
		bucket, prefix, err := storage.ParseLocation(rec.S3Location)
		if err == nil {
			err = m.archiver.DeletePrefix(ctx, bucket, prefix)
		}
		if err != nil {
			m.logger.WithField("transfer_id", transferID).Warnf("delete archived objects: %v", err)
		}
	}
	return m.transfers.DeleteTransfer(ctx, transferID)
}

func (m *manager) ArchiveURL(ctx context.Context, transferID int64) (string, error) {
	rec, err := m.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return "", err
	}
	if m.archiver == nil || rec.S3Location == "" || rec.FilePath == "" {
		return "", ErrArchiveUnavailable
	}
	bucket, prefix, err := storage.ParseLocation(rec.S3Location)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	key := prefix + "/" + filepath.Base(rec.FilePath)
	return m.archiver.PresignGet(ctx, bucket, key, m.cfg.PresignTTL)
}

func (m *manager) Subscribe(transferID int64) (<-chan Update, func()) {
	return m.hub.subscribe(transferID)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("archive progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
