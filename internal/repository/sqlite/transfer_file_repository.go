package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"magplay/internal/domain"
	"magplay/internal/repository"
)

const createTransferFilesTable = `
CREATE TABLE IF NOT EXISTS transfer_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id INTEGER NOT NULL,
	file_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	path TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(transfer_id) REFERENCES transfers(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transfer_files_transfer ON transfer_files(transfer_id);
`

type TransferFileRepository struct {
	db *sql.DB
}

func NewTransferFileRepository(db *sql.DB) repository.TransferFileRepository {
	return &TransferFileRepository{db: db}
}

func (r *TransferFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransferFilesTable); err != nil {
		return fmt.Errorf("create transfer_files table: %w", err)
	}
	return ensureColumns(ctx, r.db, "transfer_files", map[string]string{
		"priority": "INTEGER NOT NULL DEFAULT 0",
	})
}

// ReplaceForTransfer swaps the stored file list for a transfer in one transaction.
func (r *TransferFileRepository) ReplaceForTransfer(ctx context.Context, transferID int64, files []domain.TransferFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, transferID); err != nil {
		return fmt.Errorf("clear transfer files: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO transfer_files (transfer_id, file_index, name, size, path, priority)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert transfer file: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, transferID, f.Index, f.Name, f.Size, f.Path, f.Priority); err != nil {
			return fmt.Errorf("insert transfer file %d: %w", f.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer files: %w", err)
	}
	return nil
}

func (r *TransferFileRepository) ListByTransfer(ctx context.Context, transferID int64) ([]domain.TransferFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, transfer_id, file_index, name, size, path, priority
FROM transfer_files
WHERE transfer_id=?
ORDER BY file_index ASC`, transferID)
	if err != nil {
		return nil, fmt.Errorf("query transfer files: %w", err)
	}
	defer rows.Close()

	files := []domain.TransferFile{}
	for rows.Next() {
		var f domain.TransferFile
		if err := rows.Scan(&f.ID, &f.TransferID, &f.Index, &f.Name, &f.Size, &f.Path, &f.Priority); err != nil {
			return nil, fmt.Errorf("scan transfer file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
