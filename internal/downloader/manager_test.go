package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/engine"
	"magplay/internal/engine/enginetest"
	"magplay/internal/metrics"
	"magplay/internal/repository"
	"magplay/internal/repository/sqlite"
	"magplay/internal/resolver"
	"magplay/internal/service"
	"magplay/internal/session"
	"magplay/internal/storage"
	"magplay/internal/transfer"
	"magplay/internal/tracker"
)

const testMagnet = "magnet:?xt=urn:btih:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb&dn=clip"

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
	deleted  []string
}

func (a *fakeArchiver) Archive(_ context.Context, localPath string, opts storage.ArchiveOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, localPath)
	if opts.OnProgress != nil {
		opts.OnProgress(1, 1)
	}
	return "s3://media/" + opts.KeyPrefix, nil
}

func (a *fakeArchiver) ListObjects(context.Context, string, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (a *fakeArchiver) DeletePrefix(_ context.Context, bucket, prefix string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, bucket+"/"+prefix)
	return nil
}

func (a *fakeArchiver) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key + "?sig=1", nil
}

func (a *fakeArchiver) archivedPaths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.archived...)
}

type harness struct {
	fake     *enginetest.Fake
	svc      service.TransferService
	archiver *fakeArchiver
	metrics  *metrics.Metrics
	root     string
	mgr      Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	transfers := sqlite.NewTransferRepository(db)
	files := sqlite.NewTransferFileRepository(db)
	history := sqlite.NewMagnetHistoryRepository(db)
	ctx := context.Background()
	for _, r := range []interface{ Init(context.Context) error }{transfers, files, history} {
		if err := r.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	svc := service.NewTransferService(transfers, files, history)

	fake := enginetest.New()
	m := metrics.New(prometheus.NewRegistry())
	sess := session.New(session.Config{
		Settings: engine.DefaultSettings(),
		Factory:  func() engine.Engine { return fake },
		Observer: m.ObserveEvent,
		Logger:   logger,
	})
	root := t.TempDir()
	trackers := tracker.Static{"udp://tracker.example:80/announce"}
	tcfg := transfer.Config{DownloadRoot: root, Logger: logger}
	archiver := &fakeArchiver{}

	h := &harness{fake: fake, svc: svc, archiver: archiver, metrics: m, root: root}
	h.mgr = NewManager(Config{
		DownloadRoot:   root,
		ResolveTimeout: time.Second,
		ArchiveOnDone:  true,
		UploadOptions:  storage.ArchiveOptions{Bucket: "media", KeyPrefix: "magplay"},
		Logger:         logger,
	}, Deps{
		Resolver:   resolver.New(sess, trackers, resolver.Config{StagingDir: t.TempDir(), Logger: logger}),
		Downloader: transfer.NewDownloader(sess, trackers, tcfg),
		Streamer:   transfer.NewStreamer(sess, trackers, transfer.NewRegistry(), tcfg),
		Transfers:  svc,
		Archiver:   archiver,
		Metrics:    m,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(h.mgr.Shutdown)
}

func clipMetadata() *domain.TorrentMetadata {
	return &domain.TorrentMetadata{
		Name:      "clip",
		InfoHash:  "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TotalSize: 3000,
		NumFiles:  2,
		Files: []domain.FileEntry{
			{Name: "readme.txt", Path: "clip/readme.txt", Size: 1000},
			{Name: "clip.mp4", Path: "clip/clip.mp4", Size: 2000},
		},
	}
}

func (h *harness) emitProgress(hd engine.Handle, done int64) {
	h.fake.Emit(engine.Event{
		Type:          engine.EventProgress,
		Handle:        hd,
		Progress:      domain.ProgressSample{Progress: float64(done) / 2000, DownloadRate: 4096, UploadRate: 8},
		FileCompleted: []int64{0, done},
	})
}

func (h *harness) writeTarget(t *testing.T, size int) {
	t.Helper()
	path := filepath.Join(h.root, "clip", "clip.mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) waitStatus(t *testing.T, id int64, want domain.TransferStatus) *domain.Transfer {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := h.svc.GetTransfer(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer %d: status never became %s (last %+v, err %v)", id, want, rec, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartMarksInterruptedTransfersStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	running, err := h.svc.CreateTransfer(ctx, testMagnet, domain.TransferModeStream, 1)
	if err != nil {
		t.Fatal(err)
	}
	done, err := h.svc.CreateTransfer(ctx, testMagnet, domain.TransferModeDownload, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.svc.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	h.start(t)

	rec, _ := h.svc.GetTransfer(ctx, running.ID)
	if rec.Status != domain.TransferStatusStopped || rec.ErrorMessage == "" {
		t.Fatalf("interrupted transfer: %+v", rec)
	}
	rec, _ = h.svc.GetTransfer(ctx, done.ID)
	if rec.Status != domain.TransferStatusCompleted {
		t.Fatalf("completed transfer should be untouched, got %s", rec.Status)
	}
	if len(h.fake.Requests()) != 0 {
		t.Fatal("interrupted transfers must not be resumed")
	}
}

func TestResolveRecordsHistory(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.fake.OnRequest = func(req enginetest.Request) {
		h.fake.Emit(engine.Event{Type: engine.EventMetadataReceived, Handle: req.Handle, Metadata: clipMetadata()})
	}

	meta, err := h.mgr.Resolve(context.Background(), testMagnet, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.Name != "clip" || meta.NumFiles != 2 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	if _, err := h.mgr.Resolve(context.Background(), "not a magnet", 0); err == nil {
		t.Fatal("expected decode error")
	}

	entries, err := h.svc.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
	if entries[0].Status != domain.ResolveStatusError || entries[1].Status != domain.ResolveStatusSuccess {
		t.Fatalf("unexpected history order/status: %+v", entries)
	}
	if got := testutil.ToFloat64(h.metrics.Resolves.WithLabelValues("success")); got != 1 {
		t.Fatalf("success resolves = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.Resolves.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid resolves = %v", got)
	}
}

func TestStreamLifecycle(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	rec, err := h.mgr.StartStream(ctx, testMagnet, 1)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	updates, unsubscribe := h.mgr.Subscribe(rec.ID)
	defer unsubscribe()

	hd := h.fake.LastHandle()
	h.fake.Emit(engine.Event{Type: engine.EventMetadataReceived, Handle: hd, Metadata: clipMetadata()})
	h.waitStatus(t, rec.ID, domain.TransferStatusDownloading)

	h.writeTarget(t, 512)
	h.emitProgress(hd, 1000)
	ready := h.waitStatus(t, rec.ID, domain.TransferStatusReady)
	if ready.ReadyAt == nil || len(ready.Files) != 2 {
		t.Fatalf("ready record incomplete: %+v", ready)
	}

	cur, err := h.mgr.CurrentStream(ctx)
	if err != nil || cur.ID != rec.ID {
		t.Fatalf("current stream: %+v %v", cur, err)
	}
	if cur.Progress != 50 {
		t.Fatalf("live progress = %v, want 50", cur.Progress)
	}

	var sawReady bool
	timeout := time.After(2 * time.Second)
	for !sawReady {
		select {
		case u := <-updates:
			sawReady = u.Status == domain.TransferStatusReady
		case <-timeout:
			t.Fatal("no ready update published")
		}
	}

	if err := h.mgr.StopStream(ctx); err != nil {
		t.Fatalf("stop stream: %v", err)
	}
	h.waitStatus(t, rec.ID, domain.TransferStatusStopped)
	if _, err := h.mgr.CurrentStream(ctx); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("expected ErrNoActiveStream, got %v", err)
	}
	if err := h.mgr.StopStream(ctx); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("second stop: %v", err)
	}
	if len(h.fake.Removed()) != 1 {
		t.Fatalf("engine removals = %v", h.fake.Removed())
	}
}

func TestNewStreamStopsPrevious(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	first, err := h.mgr.StartStream(ctx, testMagnet, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.StartStream(ctx, testMagnet, 0)
	if err != nil {
		t.Fatal(err)
	}

	h.waitStatus(t, first.ID, domain.TransferStatusStopped)
	cur, err := h.mgr.CurrentStream(ctx)
	if err != nil || cur.ID != second.ID {
		t.Fatalf("current stream should be the second: %+v %v", cur, err)
	}
}

func TestDownloadCompletesAndArchives(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	rec, err := h.mgr.StartDownload(ctx, testMagnet, 1)
	if err != nil {
		t.Fatalf("start download: %v", err)
	}
	hd := h.fake.LastHandle()
	h.fake.Emit(engine.Event{Type: engine.EventMetadataReceived, Handle: hd, Metadata: clipMetadata()})
	h.writeTarget(t, 2000)
	h.emitProgress(hd, 2000)

	done := h.waitStatus(t, rec.ID, domain.TransferStatusCompleted)
	if done.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := h.svc.GetTransfer(ctx, rec.ID)
		if got != nil && got.S3Location != "" {
			if want := "s3://media/magplay/transfer-" + itoa(rec.ID); got.S3Location != want {
				t.Fatalf("s3 location = %q, want %q", got.S3Location, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("archive location never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if paths := h.archiver.archivedPaths(); len(paths) != 1 || filepath.Base(paths[0]) != "clip.mp4" {
		t.Fatalf("archived paths = %v", paths)
	}

	url, err := h.mgr.ArchiveURL(ctx, rec.ID)
	if err != nil {
		t.Fatalf("archive url: %v", err)
	}
	if want := "https://media.example/magplay/transfer-" + itoa(rec.ID) + "/clip.mp4?sig=1"; url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
	if len(h.fake.Removed()) != 1 {
		t.Fatal("completed download should be removed from the engine")
	}
}

func TestStartFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	if _, err := h.mgr.StartDownload(context.Background(), testMagnet, -1); !errors.Is(err, transfer.ErrInvalidFileIndex) {
		t.Fatalf("expected ErrInvalidFileIndex, got %v", err)
	}
	recs, err := h.mgr.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	h.waitStatus(t, recs[0].ID, domain.TransferStatusFailed)
}

func TestDeleteActiveTransfer(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	rec, err := h.mgr.StartDownload(ctx, testMagnet, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.GetTransfer(ctx, rec.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
	if len(h.fake.Removed()) != 1 {
		t.Fatal("delete should stop the engine torrent")
	}
	if err := h.mgr.Cancel(ctx, rec.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("cancel after delete: %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:             "512B",
		2048:            "2.0KiB",
		5 * 1024 * 1024: "5.0MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
