package engine

import "magplay/internal/domain"

type EventType int

const (
	EventMetadataReceived EventType = iota + 1
	EventProgress
	EventListenSucceeded
	EventListenFailed
	EventDHTBootstrap
	EventDHTError
	EventTorrentError
)

func (t EventType) String() string {
	switch t {
	case EventMetadataReceived:
		return "metadata_received"
	case EventProgress:
		return "progress"
	case EventListenSucceeded:
		return "listen_succeeded"
	case EventListenFailed:
		return "listen_failed"
	case EventDHTBootstrap:
		return "dht_bootstrap"
	case EventDHTError:
		return "dht_error"
	case EventTorrentError:
		return "torrent_error"
	default:
		return "unknown"
	}
}

// Event is one notification from the engine. Handle is nil for
// session-wide events such as listen or DHT status.
type Event struct {
	Type     EventType
	Handle   Handle
	Metadata *domain.TorrentMetadata
	Progress domain.ProgressSample
	// FileCompleted holds bytes completed per file index, when known.
	FileCompleted []int64
	Message       string
}

// Fatal reports whether the event means the engine cannot make progress.
func (e Event) Fatal() bool {
	return e.Type == EventListenFailed || e.Type == EventDHTError
}
