package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"magplay/internal/domain"
	"magplay/internal/downloader"
	"magplay/internal/engine"
	"magplay/internal/magnet"
	"magplay/internal/repository"
	"magplay/internal/resolver"
	"magplay/internal/service"
	"magplay/internal/session"
	"magplay/internal/storage"
	"magplay/internal/transfer"
)

// Options carries the collaborators a Handler serves.
type Options struct {
	Manager     downloader.Manager
	Transfers   service.TransferService
	Archiver    storage.Archiver
	Bucket      string
	DataRoot    string
	CORSOrigins []string
	Metrics     http.Handler
	Logger      *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	manager   downloader.Manager
	transfers service.TransferService
	archiver  storage.Archiver
	bucket    string
	dataRoot  string
	origins   []string
	metrics   http.Handler
	logger    *logrus.Entry
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		manager:   opts.Manager,
		transfers: opts.Transfers,
		archiver:  opts.Archiver,
		bucket:    opts.Bucket,
		dataRoot:  opts.DataRoot,
		origins:   opts.CORSOrigins,
		metrics:   opts.Metrics,
		logger:    opts.Logger.WithField("component", "http"),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(h.origins))

	api := router.Group("/api")
	{
		api.POST("/magnets/resolve", h.resolveMagnet)
		api.GET("/magnets/history", h.listHistory)
		api.DELETE("/magnets/history/:id", h.deleteHistory)

		api.POST("/downloads", h.startDownload)

		api.POST("/stream", h.startStream)
		api.GET("/stream", h.currentStream)
		api.DELETE("/stream", h.stopStream)

		api.GET("/transfers", h.listTransfers)
		api.GET("/transfers/:id", h.getTransfer)
		api.DELETE("/transfers/:id", h.deleteTransfer)
		api.POST("/transfers/:id/cancel", h.cancelTransfer)
		api.GET("/transfers/:id/events", h.transferEvents)
		api.GET("/transfers/:id/archive", h.archiveURL)

		api.GET("/storage/objects", h.listObjects)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if wildcard {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, magnet.ErrDecode),
		errors.Is(err, transfer.ErrInvalidFileIndex):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, downloader.ErrNotActive),
		errors.Is(err, downloader.ErrNoActiveStream):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrArchiveUnavailable),
		errors.Is(err, engine.ErrStorageConflict):
		return http.StatusConflict
	case errors.Is(err, resolver.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, resolver.ErrEngine),
		errors.Is(err, session.ErrEngineStart):
		return http.StatusBadGateway
	case errors.Is(err, transfer.ErrStorageNotConfigured),
		errors.Is(err, storage.ErrBucketRequired):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type resolveRequest struct {
	Magnet    string `json:"magnet" binding:"required"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (h *Handler) resolveMagnet(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TimeoutMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeoutMs must not be negative"})
		return
	}

	meta, err := h.manager.Resolve(c.Request.Context(), req.Magnet, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, metadataToResponse(*meta))
}

func (h *Handler) listHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	entries, err := h.transfers.ListHistory(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]HistoryResponse, len(entries))
	for i := range entries {
		resp[i] = historyToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.transfers.DeleteHistory(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type startRequest struct {
	Magnet    string `json:"magnet" binding:"required"`
	FileIndex *int   `json:"fileIndex" binding:"required"`
}

func (h *Handler) startDownload(c *gin.Context) {
	h.start(c, h.manager.StartDownload)
}

func (h *Handler) startStream(c *gin.Context) {
	h.start(c, h.manager.StartStream)
}

func (h *Handler) start(c *gin.Context, fn func(context.Context, string, int) (*domain.Transfer, error)) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := fn(c.Request.Context(), req.Magnet, *req.FileIndex)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, transferToResponse(*rec))
}

func (h *Handler) currentStream(c *gin.Context) {
	rec, err := h.manager.CurrentStream(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(*rec))
}

func (h *Handler) stopStream(c *gin.Context) {
	if err := h.manager.StopStream(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listTransfers(c *gin.Context) {
	recs, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]TransferResponse, len(recs))
	for i := range recs {
		resp[i] = transferToResponse(recs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(*rec))
}

func (h *Handler) deleteTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deleteLocal, err := strconv.ParseBool(c.DefaultQuery("delete_local", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_local"})
		return
	}

	rec, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Delete(ctx, id); err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"deleted": id}
	if deleteLocal {
		if warnings := h.cleanupLocalData(rec); len(warnings) > 0 {
			resp["warnings"] = warnings
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancelTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Cancel(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": id})
}

// cleanupLocalData removes the transfer's file when it lies inside the data root.
func (h *Handler) cleanupLocalData(rec *domain.Transfer) []string {
	if rec.FilePath == "" || h.dataRoot == "" {
		return nil
	}
	root, err := filepath.Abs(h.dataRoot)
	if err != nil {
		return []string{fmt.Sprintf("resolve data root: %v", err)}
	}
	clean := filepath.Clean(rec.FilePath)
	if rel, err := filepath.Rel(root, clean); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{fmt.Sprintf("refusing to remove %s outside data root", clean)}
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return []string{fmt.Sprintf("remove local data %s: %v", clean, err)}
	}
	return nil
}

func (h *Handler) archiveURL(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	url, err := h.manager.ArchiveURL(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archiver == nil || h.bucket == "" {
		h.fail(c, storage.ErrBucketRequired)
		return
	}

	objects, err := h.archiver.ListObjects(c.Request.Context(), h.bucket, c.Query("prefix"))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}
