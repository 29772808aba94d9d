package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"magplay/internal/domain"
	"magplay/internal/downloader"
)

const eventWriteTimeout = 5 * time.Second

// transferEvents streams live updates for one transfer over a websocket. The
// current record is sent first; the socket closes once the transfer ends.
func (h *Handler) transferEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	updates, unsubscribe := h.manager.Subscribe(id)
	defer unsubscribe()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.WithField("transfer_id", id).Warnf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx := conn.CloseRead(c.Request.Context())
	initial := downloader.Update{
		TransferID:   rec.ID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		DownloadRate: rec.DownloadRate,
		UploadRate:   rec.UploadRate,
		FilePath:     rec.FilePath,
		Error:        rec.ErrorMessage,
		At:           time.Now(),
	}
	if err := writeUpdate(ctx, conn, initial); err != nil {
		return
	}
	if terminal(rec.Status) {
		conn.Close(websocket.StatusNormalClosure, string(rec.Status))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeUpdate(ctx, conn, u); err != nil {
				return
			}
			if terminal(u.Status) {
				conn.Close(websocket.StatusNormalClosure, string(u.Status))
				return
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, u downloader.Update) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, u)
}

func terminal(status domain.TransferStatus) bool {
	switch status {
	case domain.TransferStatusCompleted, domain.TransferStatusStopped, domain.TransferStatusFailed:
		return true
	}
	return false
}
