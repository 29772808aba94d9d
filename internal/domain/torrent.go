package domain

import "time"

// TorrentMetadata describes a torrent once its info dictionary has been fetched.
type TorrentMetadata struct {
	Name         string
	TotalSize    int64
	NumFiles     int
	Files        []FileEntry
	InfoHash     string
	CreationDate *time.Time
	Comment      string
	Creator      string
}

// FileEntry is one file inside a torrent. Path is relative to the download root
// and uses forward slashes.
type FileEntry struct {
	Name     string
	Path     string
	Size     int64
	Priority int
}

// ProgressSample is a point-in-time view of a transfer.
type ProgressSample struct {
	Progress     float64
	DownloadRate int64
	UploadRate   int64
}
