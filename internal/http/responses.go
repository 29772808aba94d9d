package http

import (
	"time"

	"magplay/internal/domain"
	"magplay/internal/storage"
)

type FileResponse struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

type MetadataResponse struct {
	Name         string         `json:"name"`
	InfoHash     string         `json:"info_hash"`
	TotalSize    int64          `json:"total_size"`
	NumFiles     int            `json:"num_files"`
	CreationDate *string        `json:"creation_date,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Creator      string         `json:"creator,omitempty"`
	Files        []FileResponse `json:"files"`
}

func metadataToResponse(meta domain.TorrentMetadata) MetadataResponse {
	resp := MetadataResponse{
		Name:      meta.Name,
		InfoHash:  meta.InfoHash,
		TotalSize: meta.TotalSize,
		NumFiles:  meta.NumFiles,
		Comment:   meta.Comment,
		Creator:   meta.Creator,
		Files:     make([]FileResponse, len(meta.Files)),
	}
	if meta.CreationDate != nil {
		v := meta.CreationDate.Format(time.RFC3339)
		resp.CreationDate = &v
	}
	for i, f := range meta.Files {
		resp.Files[i] = FileResponse{Index: i, Name: f.Name, Path: f.Path, Size: f.Size}
	}
	return resp
}

type HistoryResponse struct {
	ID           int64  `json:"id"`
	Magnet       string `json:"magnet"`
	InfoHash     string `json:"info_hash"`
	Name         string `json:"name"`
	NumFiles     int    `json:"num_files"`
	TotalSize    int64  `json:"total_size"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func historyToResponse(e domain.MagnetHistory) HistoryResponse {
	return HistoryResponse{
		ID:           e.ID,
		Magnet:       e.MagnetURI,
		InfoHash:     e.InfoHash,
		Name:         e.Name,
		NumFiles:     e.NumFiles,
		TotalSize:    e.TotalSize,
		Status:       string(e.Status),
		ErrorMessage: e.ErrorMessage,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

type TransferFileResponse struct {
	ID         int64  `json:"id"`
	TransferID int64  `json:"transfer_id"`
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Priority   int    `json:"priority"`
}

type TransferResponse struct {
	ID           int64                  `json:"id"`
	Magnet       string                 `json:"magnet"`
	InfoHash     string                 `json:"info_hash"`
	Mode         domain.TransferMode    `json:"mode"`
	FileIndex    int                    `json:"file_index"`
	Status       domain.TransferStatus  `json:"status"`
	Progress     float64                `json:"progress"`
	DownloadRate int64                  `json:"download_rate"`
	UploadRate   int64                  `json:"upload_rate"`
	TorrentName  string                 `json:"torrent_name"`
	TotalSize    int64                  `json:"total_size"`
	FilePath     string                 `json:"file_path"`
	S3Location   string                 `json:"s3_location"`
	ErrorMessage string                 `json:"error_message"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
	ReadyAt      *string                `json:"ready_at,omitempty"`
	CompletedAt  *string                `json:"completed_at,omitempty"`
	Files        []TransferFileResponse `json:"files"`
}

func transferToResponse(t domain.Transfer) TransferResponse {
	resp := TransferResponse{
		ID:           t.ID,
		Magnet:       t.MagnetURI,
		InfoHash:     t.InfoHash,
		Mode:         t.Mode,
		FileIndex:    t.FileIndex,
		Status:       t.Status,
		Progress:     t.Progress,
		DownloadRate: t.DownloadRate,
		UploadRate:   t.UploadRate,
		TorrentName:  t.TorrentName,
		TotalSize:    t.TotalSize,
		FilePath:     t.FilePath,
		S3Location:   t.S3Location,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
		Files:        make([]TransferFileResponse, len(t.Files)),
	}
	if t.ReadyAt != nil {
		v := t.ReadyAt.Format(time.RFC3339)
		resp.ReadyAt = &v
	}
	if t.CompletedAt != nil {
		v := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	for i, f := range t.Files {
		resp.Files[i] = TransferFileResponse{
			ID:         f.ID,
			TransferID: f.TransferID,
			Index:      f.Index,
			Name:       f.Name,
			Path:       f.Path,
			Size:       f.Size,
			Priority:   f.Priority,
		}
	}
	return resp
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
