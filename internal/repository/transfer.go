package repository

import (
	"context"
	"errors"
	"time"

	"magplay/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// TransferRepository exposes persistence operations for transfer records.
type TransferRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, transfer *domain.Transfer) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status domain.TransferStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id int64, progress float64, downloadRate, uploadRate int64) error
	UpdateTorrentInfo(ctx context.Context, id int64, name, infoHash, filePath string, totalSize int64) error
	MarkReady(ctx context.Context, id int64, readyAt time.Time) error
	MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error
	SetS3Location(ctx context.Context, id int64, location string) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*domain.Transfer, error)
	List(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
}

// TransferFileRepository manages the file list discovered for a transfer.
type TransferFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTransfer(ctx context.Context, transferID int64, files []domain.TransferFile) error
	ListByTransfer(ctx context.Context, transferID int64) ([]domain.TransferFile, error)
}

// MagnetHistoryRepository records resolution attempts.
type MagnetHistoryRepository interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, entry *domain.MagnetHistory) (int64, error)
	List(ctx context.Context, limit int) ([]domain.MagnetHistory, error)
	Delete(ctx context.Context, id int64) error
}
