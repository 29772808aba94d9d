// Package resolver turns magnet links into torrent metadata.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/engine"
	"magplay/internal/magnet"
	"magplay/internal/session"
	"magplay/internal/tracker"
)

var (
	ErrTimeout = errors.New("metadata resolution timed out")
	ErrEngine  = errors.New("engine error")
	// ErrDecode is returned for magnets that cannot be parsed.
	ErrDecode = magnet.ErrDecode
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	StagingDir string
	Timeout    time.Duration
	Logger     *logrus.Logger
}

type Resolver struct {
	session  *session.Session
	trackers tracker.Source
	cfg      Config
	logger   *logrus.Entry
}

func New(sess *session.Session, trackers tracker.Source, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if trackers == nil {
		trackers = tracker.Static(nil)
	}
	return &Resolver{
		session:  sess,
		trackers: trackers,
		cfg:      cfg,
		logger:   cfg.Logger.WithField("component", "resolver"),
	}
}

// Resolve fetches the metadata for raw. A timeout of zero uses the configured
// default. The call never returns ErrTimeout before timeout has elapsed.
func (r *Resolver) Resolve(ctx context.Context, raw string, timeout time.Duration) (*domain.TorrentMetadata, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	desc, err := magnet.Parse(raw)
	if err != nil {
		return nil, err
	}
	uri := tracker.MergeTrackers(desc.URI, r.trackers.Trackers(ctx))
	logger := r.logger.WithField("info_hash", desc.InfoHash)

	eng, err := r.session.GetOrCreate()
	if err != nil {
		return nil, err
	}

	w := newWaiter()
	filter := session.NewHandleFilter(w.onEvent)
	r.session.AddListener(filter)
	defer func() {
		filter.Close()
		r.session.RemoveListener(filter)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	h, err := eng.FetchMetadata(uri, timeout, r.cfg.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	filter.Bind(h)
	logger.Debug("waiting for metadata")

	select {
	case res := <-w.result:
		if res.err != nil {
			logger.Warnf("resolve failed: %v", res.err)
			return nil, res.err
		}
		logger.WithField("files", res.meta.NumFiles).Info("metadata resolved")
		return res.meta, nil
	case <-timer.C:
		logger.Warnf("no metadata after %s", timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type outcome struct {
	meta *domain.TorrentMetadata
	err  error
}

// waiter holds the single outcome of one resolution.
type waiter struct {
	result chan outcome
}

func newWaiter() *waiter {
	return &waiter{result: make(chan outcome, 1)}
}

func (w *waiter) onEvent(ev engine.Event) {
	switch {
	case ev.Type == engine.EventMetadataReceived && ev.Metadata != nil:
		meta := *ev.Metadata
		meta.Files = append([]domain.FileEntry(nil), ev.Metadata.Files...)
		w.offer(outcome{meta: &meta})
	case ev.Fatal():
		w.offer(outcome{err: fmt.Errorf("%w: %s", ErrEngine, ev.Message)})
	}
}

func (w *waiter) offer(o outcome) {
	select {
	case w.result <- o:
	default:
	}
}
