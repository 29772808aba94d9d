// Package tracker supplies announce URLs used to augment magnet links.
package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultSourceURL = "https://cdn.jsdmirror.com/gh/XIU2/TrackersListCollection/best.txt"

// Source yields the trackers to merge into magnets.
type Source interface {
	Trackers(ctx context.Context) []string
}

type Config struct {
	CachePath    string
	SourceURL    string
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *logrus.Logger
}

// Provider loads trackers from a cache file, fetching and caching the remote
// list when the file is missing. Any failure yields the built-in list.
type Provider struct {
	cfg    Config
	logger *logrus.Entry

	mu       sync.Mutex
	trackers []string
}

func NewProvider(cfg Config) *Provider {
	if cfg.SourceURL == "" {
		cfg.SourceURL = DefaultSourceURL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Provider{
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "trackers"),
	}
}

// Trackers returns the tracker set. A successful load is kept for the life of
// the provider; after a failure the next call tries again.
func (p *Provider) Trackers(ctx context.Context) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trackers != nil {
		return append([]string(nil), p.trackers...)
	}

	trackers, err := p.load(ctx)
	if err != nil {
		p.logger.Warnf("using default trackers: %v", err)
		return DefaultTrackers()
	}
	p.trackers = trackers
	return append([]string(nil), trackers...)
}

func (p *Provider) load(ctx context.Context) ([]string, error) {
	if p.cfg.CachePath != "" {
		trackers, err := readCache(p.cfg.CachePath)
		switch {
		case err == nil && len(trackers) > 0:
			return trackers, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			p.logger.Warnf("read tracker cache: %v", err)
		}
	}

	body, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	trackers := parseList(strings.NewReader(body))
	if len(trackers) == 0 {
		return nil, errors.New("remote tracker list is empty")
	}

	if p.cfg.CachePath != "" {
		if err := writeCache(p.cfg.CachePath, trackers); err != nil {
			p.logger.Warnf("write tracker cache: %v", err)
		}
	}
	p.logger.Infof("fetched %d trackers", len(trackers))
	return trackers, nil
}

func (p *Provider) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.SourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build tracker request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tracker list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch tracker list: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read tracker list: %w", err)
	}
	return string(body), nil
}

func readCache(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseList(f), nil
}

func writeCache(path string, trackers []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(trackers, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parseList(r io.Reader) []string {
	var trackers []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		trackers = append(trackers, line)
	}
	return trackers
}

// DefaultTrackers is the fallback list.
func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.tracker.cl:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://opentracker.i2p.rocks:6969/announce",
		"https://opentracker.i2p.rocks:443/announce",
	}
}

// Static serves a fixed tracker set.
type Static []string

func (s Static) Trackers(context.Context) []string {
	return append([]string(nil), s...)
}
