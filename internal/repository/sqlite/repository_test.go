package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"magplay/internal/domain"
	"magplay/internal/repository"
)

func openTestDB(t *testing.T) (repository.TransferRepository, repository.TransferFileRepository, repository.MagnetHistoryRepository) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "magplay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	transfers := NewTransferRepository(db)
	files := NewTransferFileRepository(db)
	history := NewMagnetHistoryRepository(db)
	for _, r := range []interface{ Init(context.Context) error }{transfers, files, history} {
		if err := r.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	// a second Init must be a no-op
	if err := transfers.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	return transfers, files, history
}

func TestTransferLifecycle(t *testing.T) {
	transfers, files, _ := openTestDB(t)
	ctx := context.Background()

	tr := &domain.Transfer{
		MagnetURI: "magnet:?xt=urn:btih:abc",
		Mode:      domain.TransferModeStream,
		FileIndex: 1,
		Status:    domain.TransferStatusPending,
	}
	id, err := transfers.Create(ctx, tr)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == 0 || tr.ID != id {
		t.Fatalf("unexpected id %d (record %d)", id, tr.ID)
	}

	if err := transfers.UpdateTorrentInfo(ctx, id, "movie", "abc", "/tmp/movie.mkv", 10_000); err != nil {
		t.Fatalf("torrent info: %v", err)
	}
	if err := transfers.UpdateProgress(ctx, id, 42.5, 1024, 12); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := transfers.MarkReady(ctx, id, time.Now()); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := files.ReplaceForTransfer(ctx, id, []domain.TransferFile{
		{Index: 0, Name: "a.nfo", Size: 100, Path: "movie/a.nfo"},
		{Index: 1, Name: "movie.mkv", Size: 9900, Path: "movie/movie.mkv", Priority: 4},
	}); err != nil {
		t.Fatalf("files: %v", err)
	}

	got, err := transfers.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TransferStatusReady || got.ReadyAt == nil {
		t.Fatalf("expected ready with timestamp, got %s %v", got.Status, got.ReadyAt)
	}
	if got.Progress != 42.5 || got.DownloadRate != 1024 || got.UploadRate != 12 {
		t.Fatalf("progress not stored: %+v", got)
	}
	if got.TorrentName != "movie" || got.TotalSize != 10_000 || got.Mode != domain.TransferModeStream {
		t.Fatalf("torrent info not stored: %+v", got)
	}

	listed, err := files.ListByTransfer(ctx, id)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(listed) != 2 || listed[1].Priority != 4 {
		t.Fatalf("unexpected files: %+v", listed)
	}

	if err := transfers.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := transfers.Get(ctx, id); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	listed, _ = files.ListByTransfer(ctx, id)
	if len(listed) != 0 {
		t.Fatalf("files should be removed with transfer, got %d", len(listed))
	}
}

func TestListByStatuses(t *testing.T) {
	transfers, _, _ := openTestDB(t)
	ctx := context.Background()

	for _, status := range []domain.TransferStatus{
		domain.TransferStatusDownloading,
		domain.TransferStatusCompleted,
		domain.TransferStatusReady,
	} {
		if _, err := transfers.Create(ctx, &domain.Transfer{MagnetURI: "m", Mode: domain.TransferModeDownload, Status: status}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	active, err := transfers.ListByStatuses(ctx, domain.TransferStatusDownloading, domain.TransferStatusReady)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active transfers, got %d", len(active))
	}
	none, err := transfers.ListByStatuses(ctx)
	if err != nil || len(none) != 0 {
		t.Fatalf("empty status filter: %v %v", none, err)
	}
}

func TestUpdateMissingTransfer(t *testing.T) {
	transfers, _, _ := openTestDB(t)
	err := transfers.UpdateStatus(context.Background(), 999, domain.TransferStatusStopped, nil)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMagnetHistory(t *testing.T) {
	_, _, history := openTestDB(t)
	ctx := context.Background()

	ok := &domain.MagnetHistory{MagnetURI: "magnet:?xt=urn:btih:one", Name: "one", NumFiles: 3, TotalSize: 30, Status: domain.ResolveStatusSuccess}
	bad := &domain.MagnetHistory{MagnetURI: "magnet:?xt=urn:btih:two", Status: domain.ResolveStatusError, ErrorMessage: "timeout"}
	for _, e := range []*domain.MagnetHistory{ok, bad} {
		if _, err := history.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	entries, err := history.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != bad.ID {
		t.Fatalf("expected newest first, got %+v", entries)
	}
	if entries[0].Status != domain.ResolveStatusError || entries[0].ErrorMessage != "timeout" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}

	if err := history.Delete(ctx, ok.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := history.Delete(ctx, ok.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	entries, _ = history.List(ctx, 1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}
