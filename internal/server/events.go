package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const realtimeHeartbeatInterval = 25 * time.Second

// handleEvents streams address-change events as server-sent events until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.dispatcher == nil {
		unavailable(c, "events_disabled")
		return
	}
	userID := c.GetInt64(userIDContextKey)
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	logger := h.requestLogger(c).With(zap.Int64("user_id", userID))
	logger.Debug("realtime stream opened")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": h.clock().UTC()})
			return true
		}
	})
	logger.Debug("realtime stream closed")
}
