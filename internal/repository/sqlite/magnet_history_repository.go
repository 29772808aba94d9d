package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"magplay/internal/domain"
	"magplay/internal/repository"
)

const createMagnetHistoryTable = `
CREATE TABLE IF NOT EXISTS magnet_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	magnet_uri TEXT NOT NULL,
	info_hash TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	num_files INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
`

const defaultHistoryLimit = 100

type MagnetHistoryRepository struct {
	db *sql.DB
}

func NewMagnetHistoryRepository(db *sql.DB) repository.MagnetHistoryRepository {
	return &MagnetHistoryRepository{db: db}
}

func (r *MagnetHistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createMagnetHistoryTable); err != nil {
		return fmt.Errorf("create magnet_history table: %w", err)
	}
	return nil
}

func (r *MagnetHistoryRepository) Insert(ctx context.Context, entry *domain.MagnetHistory) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO magnet_history (magnet_uri, info_hash, name, num_files, total_size, status, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.MagnetURI,
		entry.InfoHash,
		entry.Name,
		entry.NumFiles,
		entry.TotalSize,
		string(entry.Status),
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert magnet history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// List returns the newest entries first. A non-positive limit falls back to 100.
func (r *MagnetHistoryRepository) List(ctx context.Context, limit int) ([]domain.MagnetHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, magnet_uri, info_hash, name, num_files, total_size, status, error_message, created_at
FROM magnet_history
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query magnet history: %w", err)
	}
	defer rows.Close()

	entries := []domain.MagnetHistory{}
	for rows.Next() {
		var (
			e         domain.MagnetHistory
			status    string
			createdAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.MagnetURI, &e.InfoHash, &e.Name, &e.NumFiles, &e.TotalSize, &status, &e.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan magnet history: %w", err)
		}
		e.Status = domain.ResolveStatus(status)
		e.CreatedAt = createdAt.Local()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *MagnetHistoryRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM magnet_history WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete magnet history: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("magnet history delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}
