package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"magplay/internal/domain"
	"magplay/internal/downloader"
	"magplay/internal/engine"
	"magplay/internal/magnet"
	"magplay/internal/repository"
	"magplay/internal/resolver"
	"magplay/internal/transfer"
)

type stubManager struct {
	mu          sync.Mutex
	resolveErr  error
	startErr    error
	records     map[int64]*domain.Transfer
	stream      *domain.Transfer
	deleted     []int64
	lastTimeout time.Duration
	updates     chan downloader.Update
}

func newStubManager() *stubManager {
	return &stubManager{
		records: map[int64]*domain.Transfer{},
		updates: make(chan downloader.Update, 4),
	}
}

func (s *stubManager) Start(context.Context) error { return nil }
func (s *stubManager) Shutdown()                   {}

func (s *stubManager) Resolve(_ context.Context, uri string, timeout time.Duration) (*domain.TorrentMetadata, error) {
	s.mu.Lock()
	s.lastTimeout = timeout
	s.mu.Unlock()
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return &domain.TorrentMetadata{
		Name:      "clip",
		InfoHash:  "abc",
		TotalSize: 30,
		NumFiles:  1,
		Files:     []domain.FileEntry{{Name: "clip.mp4", Path: "clip/clip.mp4", Size: 30}},
	}, nil
}

func (s *stubManager) startTransfer(mode domain.TransferMode, uri string, idx int) (*domain.Transfer, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &domain.Transfer{ID: int64(len(s.records) + 1), MagnetURI: uri, Mode: mode, FileIndex: idx, Status: domain.TransferStatusPending}
	s.records[rec.ID] = rec
	if mode == domain.TransferModeStream {
		s.stream = rec
	}
	return rec, nil
}

func (s *stubManager) StartDownload(_ context.Context, uri string, idx int) (*domain.Transfer, error) {
	return s.startTransfer(domain.TransferModeDownload, uri, idx)
}

func (s *stubManager) StartStream(_ context.Context, uri string, idx int) (*domain.Transfer, error) {
	return s.startTransfer(domain.TransferModeStream, uri, idx)
}

func (s *stubManager) CurrentStream(context.Context) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil, downloader.ErrNoActiveStream
	}
	return s.stream, nil
}

func (s *stubManager) StopStream(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return downloader.ErrNoActiveStream
	}
	s.stream = nil
	return nil
}

func (s *stubManager) Get(_ context.Context, id int64) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *stubManager) List(context.Context) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Transfer{}
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *stubManager) Cancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.Active() {
		return downloader.ErrNotActive
	}
	rec.Status = domain.TransferStatusStopped
	return nil
}

func (s *stubManager) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.records, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubManager) ArchiveURL(context.Context, int64) (string, error) {
	return "", downloader.ErrArchiveUnavailable
}

func (s *stubManager) Subscribe(int64) (<-chan downloader.Update, func()) {
	return s.updates, func() {}
}

func newTestRouter(t *testing.T, mgr downloader.Manager, dataRoot string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	NewHandler(Options{
		Manager:     mgr,
		DataRoot:    dataRoot,
		CORSOrigins: []string{"*"},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "magplay_resolves_total 0\n")
		}),
		Logger: logger,
	}).RegisterRoutes(router)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestResolveEndpoint(t *testing.T) {
	mgr := newStubManager()
	router := newTestRouter(t, mgr, t.TempDir())

	rec := do(router, http.MethodPost, "/api/magnets/resolve", `{"magnet":"magnet:?xt=urn:btih:abc","timeoutMs":2500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	var meta MetadataResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Name != "clip" || len(meta.Files) != 1 || meta.Files[0].Index != 0 {
		t.Fatalf("unexpected body %+v", meta)
	}
	if mgr.lastTimeout != 2500*time.Millisecond {
		t.Fatalf("timeout passed = %v", mgr.lastTimeout)
	}
}

func TestResolveErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"decode", fmt.Errorf("%w: bad", magnet.ErrDecode), http.StatusBadRequest},
		{"timeout", resolver.ErrTimeout, http.StatusGatewayTimeout},
		{"engine", fmt.Errorf("%w: dht down", resolver.ErrEngine), http.StatusBadGateway},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mgr := newStubManager()
			mgr.resolveErr = tc.err
			router := newTestRouter(t, mgr, t.TempDir())
			rec := do(router, http.MethodPost, "/api/magnets/resolve", `{"magnet":"x"}`)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	router := newTestRouter(t, newStubManager(), t.TempDir())
	if rec := do(router, http.MethodPost, "/api/magnets/resolve", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing magnet: status = %d", rec.Code)
	}
}

func TestStartEndpoints(t *testing.T) {
	mgr := newStubManager()
	router := newTestRouter(t, mgr, t.TempDir())

	if rec := do(router, http.MethodPost, "/api/downloads", `{"magnet":"magnet:?xt=urn:btih:abc"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fileIndex: status = %d", rec.Code)
	}

	rec := do(router, http.MethodPost, "/api/downloads", `{"magnet":"magnet:?xt=urn:btih:abc","fileIndex":0}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("download: status = %d body %s", rec.Code, rec.Body)
	}

	if rec := do(router, http.MethodGet, "/api/stream", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("no stream: status = %d", rec.Code)
	}
	rec = do(router, http.MethodPost, "/api/stream", `{"magnet":"magnet:?xt=urn:btih:abc","fileIndex":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stream: status = %d", rec.Code)
	}
	var tr TransferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Mode != domain.TransferModeStream || tr.FileIndex != 2 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if rec := do(router, http.MethodGet, "/api/stream", ""); rec.Code != http.StatusOK {
		t.Fatalf("current stream: status = %d", rec.Code)
	}
	if rec := do(router, http.MethodDelete, "/api/stream", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("stop stream: status = %d", rec.Code)
	}

	mgr.startErr = transfer.ErrStorageNotConfigured
	if rec := do(router, http.MethodPost, "/api/stream", `{"magnet":"m","fileIndex":0}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no storage: status = %d", rec.Code)
	}
}

func TestTransferEndpoints(t *testing.T) {
	mgr := newStubManager()
	root := t.TempDir()
	router := newTestRouter(t, mgr, root)

	target := filepath.Join(root, "clip", "clip.mp4")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr.records[7] = &domain.Transfer{ID: 7, Status: domain.TransferStatusCompleted, FilePath: target}

	if rec := do(router, http.MethodGet, "/api/transfers/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/api/transfers/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/api/transfers/7", ""); rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/api/transfers/7/archive", ""); rec.Code != http.StatusConflict {
		t.Fatalf("archive: status = %d", rec.Code)
	}

	rec := do(router, http.MethodDelete, "/api/transfers/7?delete_local=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d body %s", rec.Code, rec.Body)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("local file should be removed, stat err = %v", err)
	}
	if len(mgr.deleted) != 1 || mgr.deleted[0] != 7 {
		t.Fatalf("deleted = %v", mgr.deleted)
	}
}

func TestStorageNotConfigured(t *testing.T) {
	router := newTestRouter(t, newStubManager(), t.TempDir())
	if rec := do(router, http.MethodGet, "/api/storage/objects", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	router := newTestRouter(t, newStubManager(), t.TempDir())

	rec := do(router, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors header = %q", got)
	}
	if rec := do(router, http.MethodOptions, "/api/transfers", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status = %d", rec.Code)
	}
	rec = do(router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "magplay_resolves_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body)
	}
}

func TestTransferEventsWebsocket(t *testing.T) {
	mgr := newStubManager()
	mgr.records[3] = &domain.Transfer{ID: 3, Status: domain.TransferStatusDownloading, Progress: 10}
	srv := httptest.NewServer(newTestRouter(t, mgr, t.TempDir()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/transfers/3/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first downloader.Update
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.TransferID != 3 || first.Progress != 10 {
		t.Fatalf("initial update = %+v", first)
	}

	mgr.updates <- downloader.Update{TransferID: 3, Status: domain.TransferStatusDownloading, Progress: 55}
	mgr.updates <- downloader.Update{TransferID: 3, Status: domain.TransferStatusStopped, Progress: 55}

	var u downloader.Update
	if err := wsjson.Read(ctx, conn, &u); err != nil || u.Progress != 55 {
		t.Fatalf("progress update = %+v, err %v", u, err)
	}
	if err := wsjson.Read(ctx, conn, &u); err != nil || u.Status != domain.TransferStatusStopped {
		t.Fatalf("final update = %+v, err %v", u, err)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestCancelTransfer(t *testing.T) {
	mgr := newStubManager()
	router := newTestRouter(t, mgr, t.TempDir())
	if _, err := mgr.StartDownload(context.Background(), "magnet:?xt=urn:btih:abc", 0); err != nil {
		t.Fatal(err)
	}

	if rec := do(router, http.MethodPost, "/api/transfers/1/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d body %s", rec.Code, rec.Body)
	}
	if rec := do(router, http.MethodPost, "/api/transfers/1/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "decode", err: fmt.Errorf("parse: %w", magnet.ErrDecode), want: http.StatusBadRequest},
		{name: "not found", err: repository.ErrNotFound, want: http.StatusNotFound},
		{name: "timeout", err: resolver.ErrTimeout, want: http.StatusGatewayTimeout},
		{name: "storage conflict", err: fmt.Errorf("start download: %w", engine.ErrStorageConflict), want: http.StatusConflict},
		{name: "archive unavailable", err: downloader.ErrArchiveUnavailable, want: http.StatusConflict},
		{name: "unknown", err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
