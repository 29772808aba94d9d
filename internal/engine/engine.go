// Package engine defines the boundary between transfer orchestration and the
// torrent engine that does the peer-to-peer work.
package engine

import (
	"errors"
	"time"
)

var (
	// ErrInvalidHandle is returned when a handle has already been removed.
	ErrInvalidHandle = errors.New("invalid torrent handle")
	// ErrNotStarted is returned by engines used before Start or after Close.
	ErrNotStarted = errors.New("engine not started")
	// ErrStorageConflict is returned when a torrent is already downloading
	// into a different directory than the one requested.
	ErrStorageConflict = errors.New("torrent already downloading into another directory")
)

// Priority is a per-file download priority.
type Priority int

const (
	PrioritySkip   Priority = 0
	PriorityNormal Priority = 4
)

// Settings configures an engine at start.
type Settings struct {
	DataDir          string
	ListenPort       int
	UserAgent        string
	EnableDHT        bool
	EnableLSD        bool
	EnableUPnP       bool
	EnableNATPMP     bool
	AnnounceToAll    bool
	BootstrapNodes   []string
	ProgressInterval time.Duration
}

// DefaultBootstrapNodes are well-known DHT routers.
func DefaultBootstrapNodes() []string {
	return []string{
		"router.bittorrent.com:6881",
		"router.utorrent.com:6881",
		"router.bitcomet.com:6881",
		"dht.transmissionbt.com:6881",
		"dht.aelitis.com:6881",
		"dht.libtorrent.org:25401",
	}
}

// DefaultSettings enables every discovery mechanism.
func DefaultSettings() Settings {
	return Settings{
		UserAgent:        "MagPlay/0.0.1",
		EnableDHT:        true,
		EnableLSD:        true,
		EnableUPnP:       true,
		EnableNATPMP:     true,
		AnnounceToAll:    true,
		BootstrapNodes:   DefaultBootstrapNodes(),
		ProgressInterval: time.Second,
	}
}

// Handle identifies one torrent inside an engine. Handles returned for the same
// torrent compare equal by ID.
type Handle interface {
	ID() string
	InfoHash() string
	Valid() bool
}

// SameHandle reports whether a and b refer to the same torrent.
func SameHandle(a, b Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}

// Engine is the torrent engine. Events are delivered to the sink passed to
// Start, from goroutines owned by the engine; the sink must not block.
//
// Every FetchMetadata or Download call returns a new handle with its own
// metadata and progress events, even when another handle holds the same
// torrent. Priorities set through different handles of one torrent merge.
type Engine interface {
	Start(settings Settings, sink func(Event)) error
	// FetchMetadata adds the magnet for its info dictionary only. The engine
	// releases the torrent after metadata arrives or timeout elapses.
	FetchMetadata(uri string, timeout time.Duration, stagingDir string) (Handle, error)
	// Download adds the magnet with data stored under downloadDir. No file is
	// wanted until priorities are set.
	Download(uri string, downloadDir string) (Handle, error)
	SetFilePriorities(h Handle, priorities []Priority) error
	Remove(h Handle) error
	Close() error
}
