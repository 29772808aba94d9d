package service

import (
	"context"
	"errors"
	"time"

	"magplay/internal/domain"
	"magplay/internal/repository"
)

// TransferService coordinates transfer and history records backed by repositories.
type TransferService interface {
	CreateTransfer(ctx context.Context, magnetURI string, mode domain.TransferMode, fileIndex int) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error)
	ListTransfers(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
	UpdateStatus(ctx context.Context, id int64, status domain.TransferStatus, errMsg *string) error
	UpdateTorrentInfo(ctx context.Context, id int64, meta *domain.TorrentMetadata, filePath string) error
	UpdateProgress(ctx context.Context, id int64, progress float64, downloadRate, uploadRate int64) error
	MarkReady(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	SetS3Location(ctx context.Context, id int64, location string) error
	DeleteTransfer(ctx context.Context, id int64) error

	RecordResolve(ctx context.Context, magnetURI string, meta *domain.TorrentMetadata, resolveErr error) (*domain.MagnetHistory, error)
	ListHistory(ctx context.Context, limit int) ([]domain.MagnetHistory, error)
	DeleteHistory(ctx context.Context, id int64) error
}

type transferService struct {
	transfers repository.TransferRepository
	files     repository.TransferFileRepository
	history   repository.MagnetHistoryRepository
}

func NewTransferService(transfers repository.TransferRepository, files repository.TransferFileRepository, history repository.MagnetHistoryRepository) TransferService {
	return &transferService{
		transfers: transfers,
		files:     files,
		history:   history,
	}
}

func (s *transferService) CreateTransfer(ctx context.Context, magnetURI string, mode domain.TransferMode, fileIndex int) (*domain.Transfer, error) {
	if magnetURI == "" {
		return nil, errors.New("magnet URI is required")
	}

	transfer := &domain.Transfer{
		MagnetURI: magnetURI,
		Mode:      mode,
		FileIndex: fileIndex,
		Status:    domain.TransferStatusPending,
	}
	if _, err := s.transfers.Create(ctx, transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *transferService) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	transfer, err := s.transfers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	transfer.Files = files
	return transfer, nil
}

func (s *transferService) ListTransfers(ctx context.Context) ([]domain.Transfer, error) {
	transfers, err := s.transfers.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, transfers)
}

func (s *transferService) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	transfers, err := s.transfers.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, transfers)
}

func (s *transferService) withFiles(ctx context.Context, transfers []domain.Transfer) ([]domain.Transfer, error) {
	for i := range transfers {
		files, err := s.files.ListByTransfer(ctx, transfers[i].ID)
		if err != nil {
			return nil, err
		}
		transfers[i].Files = files
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	return transfers, nil
}

func (s *transferService) UpdateStatus(ctx context.Context, id int64, status domain.TransferStatus, errMsg *string) error {
	return s.transfers.UpdateStatus(ctx, id, status, errMsg)
}

// UpdateTorrentInfo stores the torrent name and size along with the file list.
func (s *transferService) UpdateTorrentInfo(ctx context.Context, id int64, meta *domain.TorrentMetadata, filePath string) error {
	if meta == nil {
		return errors.New("metadata is required")
	}
	if err := s.transfers.UpdateTorrentInfo(ctx, id, meta.Name, meta.InfoHash, filePath, meta.TotalSize); err != nil {
		return err
	}

	transfer, err := s.transfers.Get(ctx, id)
	if err != nil {
		return err
	}

	files := make([]domain.TransferFile, 0, len(meta.Files))
	for i, f := range meta.Files {
		priority := f.Priority
		if i == transfer.FileIndex {
			priority = 4
		}
		files = append(files, domain.TransferFile{
			TransferID: id,
			Index:      i,
			Name:       f.Name,
			Size:       f.Size,
			Path:       f.Path,
			Priority:   priority,
		})
	}
	return s.files.ReplaceForTransfer(ctx, id, files)
}

func (s *transferService) UpdateProgress(ctx context.Context, id int64, progress float64, downloadRate, uploadRate int64) error {
	return s.transfers.UpdateProgress(ctx, id, progress, downloadRate, uploadRate)
}

func (s *transferService) MarkReady(ctx context.Context, id int64) error {
	return s.transfers.MarkReady(ctx, id, time.Now())
}

func (s *transferService) MarkCompleted(ctx context.Context, id int64) error {
	return s.transfers.MarkCompleted(ctx, id, time.Now())
}

func (s *transferService) SetS3Location(ctx context.Context, id int64, location string) error {
	return s.transfers.SetS3Location(ctx, id, location)
}

func (s *transferService) DeleteTransfer(ctx context.Context, id int64) error {
	return s.transfers.Delete(ctx, id)
}

// RecordResolve appends a history entry for a resolution attempt. A nil
// resolveErr records a success described by meta.
func (s *transferService) RecordResolve(ctx context.Context, magnetURI string, meta *domain.TorrentMetadata, resolveErr error) (*domain.MagnetHistory, error) {
	entry := &domain.MagnetHistory{
		MagnetURI: magnetURI,
		Status:    domain.ResolveStatusSuccess,
	}
	if resolveErr != nil {
		entry.Status = domain.ResolveStatusError
		entry.ErrorMessage = resolveErr.Error()
	}
	if meta != nil {
		entry.InfoHash = meta.InfoHash
		entry.Name = meta.Name
		entry.NumFiles = meta.NumFiles
		entry.TotalSize = meta.TotalSize
	}
	if _, err := s.history.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *transferService) ListHistory(ctx context.Context, limit int) ([]domain.MagnetHistory, error) {
	return s.history.List(ctx, limit)
}

func (s *transferService) DeleteHistory(ctx context.Context, id int64) error {
	return s.history.Delete(ctx, id)
}
