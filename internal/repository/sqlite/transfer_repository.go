package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"magplay/internal/domain"
	"magplay/internal/repository"
)

const createTransfersTable = `
CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	magnet_uri TEXT NOT NULL,
	info_hash TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	file_index INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	download_rate INTEGER NOT NULL DEFAULT 0,
	upload_rate INTEGER NOT NULL DEFAULT 0,
	torrent_name TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL DEFAULT '',
	s3_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	ready_at DATETIME NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
`

const transferColumns = `id, magnet_uri, info_hash, mode, file_index, status, progress, download_rate, upload_rate, torrent_name, total_size, file_path, s3_location, error_message, created_at, updated_at, ready_at, completed_at`

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) repository.TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransfersTable); err != nil {
		return fmt.Errorf("create transfers table: %w", err)
	}
	return ensureColumns(ctx, r.db, "transfers", map[string]string{
		"upload_rate": "INTEGER NOT NULL DEFAULT 0",
		"ready_at":    "DATETIME NULL",
		"s3_location": "TEXT NOT NULL DEFAULT ''",
	})
}

func (r *TransferRepository) Create(ctx context.Context, transfer *domain.Transfer) (int64, error) {
	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO transfers (magnet_uri, info_hash, mode, file_index, status, progress, download_rate, upload_rate, torrent_name, total_size, file_path, s3_location, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.MagnetURI,
		transfer.InfoHash,
		string(transfer.Mode),
		transfer.FileIndex,
		string(transfer.Status),
		transfer.Progress,
		transfer.DownloadRate,
		transfer.UploadRate,
		transfer.TorrentName,
		transfer.TotalSize,
		transfer.FilePath,
		transfer.S3Location,
		transfer.ErrorMessage,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	transfer.ID = id
	return id, nil
}

func (r *TransferRepository) UpdateStatus(ctx context.Context, id int64, status domain.TransferStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update transfer status", `
UPDATE transfers
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status), msg, time.Now().UTC(), id)
}

func (r *TransferRepository) UpdateProgress(ctx context.Context, id int64, progress float64, downloadRate, uploadRate int64) error {
	return r.exec(ctx, "update transfer progress", `
UPDATE transfers
SET progress=?, download_rate=?, upload_rate=?, updated_at=?
WHERE id=?`,
		progress, downloadRate, uploadRate, time.Now().UTC(), id)
}

func (r *TransferRepository) UpdateTorrentInfo(ctx context.Context, id int64, name, infoHash, filePath string, totalSize int64) error {
	return r.exec(ctx, "update torrent info", `
UPDATE transfers
SET torrent_name=?, info_hash=?, file_path=?, total_size=?, updated_at=?
WHERE id=?`,
		name, infoHash, filePath, totalSize, time.Now().UTC(), id)
}

func (r *TransferRepository) MarkReady(ctx context.Context, id int64, readyAt time.Time) error {
	return r.exec(ctx, "mark ready", `
UPDATE transfers
SET status=?, ready_at=?, updated_at=?
WHERE id=?`,
		string(domain.TransferStatusReady), readyAt.UTC(), time.Now().UTC(), id)
}

func (r *TransferRepository) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error {
	return r.exec(ctx, "mark completed", `
UPDATE transfers
SET status=?, progress=100, completed_at=?, updated_at=?
WHERE id=?`,
		string(domain.TransferStatusCompleted), completedAt.UTC(), time.Now().UTC(), id)
}

func (r *TransferRepository) SetS3Location(ctx context.Context, id int64, location string) error {
	return r.exec(ctx, "set s3 location", `
UPDATE transfers
SET s3_location=?, updated_at=?
WHERE id=?`,
		location, time.Now().UTC(), id)
}

func (r *TransferRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}
	return nil
}

func (r *TransferRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, id); err != nil {
		return fmt.Errorf("delete transfer files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete transfer: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transfer delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer delete: %w", err)
	}
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id int64) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=?`, id)
	return scanTransfer(row)
}

func (r *TransferRepository) List(ctx context.Context) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transferColumns+` FROM transfers ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (r *TransferRepository) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	if len(statuses) == 0 {
		return []domain.Transfer{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`SELECT %s FROM transfers WHERE status IN (%s) ORDER BY id ASC`,
		transferColumns, strings.Join(placeholders, ","))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers by status: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]domain.Transfer, error) {
	var transfers []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

func scanTransfer(scanner interface {
	Scan(dest ...any) error
}) (*domain.Transfer, error) {
	var (
		transfer    domain.Transfer
		mode        string
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		readyAt     sql.NullTime
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&transfer.ID,
		&transfer.MagnetURI,
		&transfer.InfoHash,
		&mode,
		&transfer.FileIndex,
		&status,
		&transfer.Progress,
		&transfer.DownloadRate,
		&transfer.UploadRate,
		&transfer.TorrentName,
		&transfer.TotalSize,
		&transfer.FilePath,
		&transfer.S3Location,
		&transfer.ErrorMessage,
		&createdAt,
		&updatedAt,
		&readyAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}

	transfer.Mode = domain.TransferMode(mode)
	transfer.Status = domain.TransferStatus(status)
	transfer.CreatedAt = createdAt.Local()
	transfer.UpdatedAt = updatedAt.Local()
	if readyAt.Valid {
		t := readyAt.Time.Local()
		transfer.ReadyAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.Local()
		transfer.CompletedAt = &t
	}
	return &transfer, nil
}
