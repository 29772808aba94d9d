package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/magnet"
	"magplay/internal/session"
	"magplay/internal/tracker"
)

// DefaultReadyThreshold is the fraction of the target file that must be
// downloaded before a stream is considered playable.
const DefaultReadyThreshold = 0.05

type Config struct {
	DownloadRoot   string
	ReadyThreshold float64
	Logger         *logrus.Logger
}

type starter struct {
	session  *session.Session
	trackers tracker.Source
	cfg      Config
	logger   *logrus.Logger
}

func newStarter(sess *session.Session, trackers tracker.Source, cfg Config) starter {
	if cfg.ReadyThreshold <= 0 {
		cfg.ReadyThreshold = DefaultReadyThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if trackers == nil {
		trackers = tracker.Static(nil)
	}
	return starter{session: sess, trackers: trackers, cfg: cfg, logger: cfg.Logger}
}

func (s starter) start(ctx context.Context, mode domain.TransferMode, raw string, fileIndex int, cb Callbacks, registry *Registry) (*Transfer, error) {
	root := strings.TrimSpace(s.cfg.DownloadRoot)
	if root == "" {
		return nil, ErrStorageNotConfigured
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageNotConfigured, err)
	}
	if fileIndex < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFileIndex, fileIndex)
	}

	desc, err := magnet.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create download root: %w", err)
	}
	uri := tracker.MergeTrackers(desc.URI, s.trackers.Trackers(ctx))

	eng, err := s.session.GetOrCreate()
	if err != nil {
		return nil, err
	}

	t := &Transfer{
		id:        uuid.NewString(),
		mode:      mode,
		uri:       uri,
		infoHash:  desc.InfoHash,
		fileIndex: fileIndex,
		root:      root,
		threshold: s.cfg.ReadyThreshold,
		cb:        cb,
		session:   s.session,
		registry:  registry,
		state:     StateMetadataPending,
		done:      make(chan struct{}),
	}
	t.logger = s.logger.WithFields(logrus.Fields{
		"transfer_id": t.id,
		"info_hash":   desc.InfoHash,
		"mode":        string(mode),
		"file_index":  fileIndex,
	})
	t.filter = session.NewHandleFilter(t.onEvent)
	if mode == domain.TransferModeStream {
		t.probe = make(chan struct{}, 1)
		go t.probeLoop()
	}

	s.session.AddListener(t.filter)
	if registry != nil {
		registry.SetCurrent(t)
	}

	h, err := eng.Download(uri, root)
	if err != nil {
		t.Stop()
		return nil, fmt.Errorf("start download: %w", err)
	}
	if !t.bind(h, eng) {
		if err := eng.Remove(h); err != nil {
			t.logger.Warnf("remove torrent of superseded transfer: %v", err)
		}
		return nil, ErrStopped
	}
	t.filter.Bind(h)
	t.logger.Info("transfer started")
	return t, nil
}

// Downloader fetches one file of a torrent, skipping the others.
type Downloader struct {
	starter
}

func NewDownloader(sess *session.Session, trackers tracker.Source, cfg Config) *Downloader {
	return &Downloader{starter: newStarter(sess, trackers, cfg)}
}

// StartDownload begins fetching file fileIndex of the magnet. The returned
// transfer runs until Stop is called.
func (d *Downloader) StartDownload(ctx context.Context, magnetURI string, fileIndex int, cb Callbacks) (*Transfer, error) {
	cb.OnReady = nil
	return d.start(ctx, domain.TransferModeDownload, magnetURI, fileIndex, cb, nil)
}

// Streamer downloads one file and reports when it is playable. At most one
// stream runs at a time.
type Streamer struct {
	starter
	registry *Registry
}

func NewStreamer(sess *session.Session, trackers tracker.Source, registry *Registry, cfg Config) *Streamer {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Streamer{starter: newStarter(sess, trackers, cfg), registry: registry}
}

// StartStream stops any current stream and starts a new one.
func (s *Streamer) StartStream(ctx context.Context, magnetURI string, fileIndex int, cb Callbacks) (*Transfer, error) {
	return s.start(ctx, domain.TransferModeStream, magnetURI, fileIndex, cb, s.registry)
}

// Stop stops the current stream, if any.
func (s *Streamer) Stop() {
	if t := s.registry.ClearCurrent(); t != nil {
		t.Stop()
	}
}

func (s *Streamer) Current() *Transfer {
	return s.registry.Current()
}
