package domain

import "time"

type TransferStatus string

const (
	TransferStatusPending     TransferStatus = "pending"
	TransferStatusDownloading TransferStatus = "downloading"
	TransferStatusReady       TransferStatus = "ready"
	TransferStatusCompleted   TransferStatus = "completed"
	TransferStatusStopped     TransferStatus = "stopped"
	TransferStatusFailed      TransferStatus = "failed"
)

type TransferMode string

const (
	TransferModeDownload TransferMode = "download"
	TransferModeStream   TransferMode = "stream"
)

// Transfer is the persisted record of a selective download or stream.
type Transfer struct {
	ID           int64
	MagnetURI    string
	InfoHash     string
	Mode         TransferMode
	FileIndex    int
	Status       TransferStatus
	Progress     float64
	DownloadRate int64
	UploadRate   int64
	TorrentName  string
	TotalSize    int64
	FilePath     string
	S3Location   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ReadyAt      *time.Time
	CompletedAt  *time.Time
	Files        []TransferFile
}

// Active reports whether the transfer may still be running in the engine.
func (t Transfer) Active() bool {
	switch t.Status {
	case TransferStatusPending, TransferStatusDownloading, TransferStatusReady:
		return true
	}
	return false
}

// TransferFile captures an individual file discovered within a torrent.
type TransferFile struct {
	ID         int64
	TransferID int64
	Index      int
	Name       string
	Size       int64
	Path       string
	Priority   int
}

type ResolveStatus string

const (
	ResolveStatusSuccess ResolveStatus = "success"
	ResolveStatusError   ResolveStatus = "error"
)

// MagnetHistory records one resolution attempt.
type MagnetHistory struct {
	ID           int64
	MagnetURI    string
	InfoHash     string
	Name         string
	NumFiles     int
	TotalSize    int64
	Status       ResolveStatus
	ErrorMessage string
	CreatedAt    time.Time
}
