package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"taskorch/internal/service"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamSource is the part of the hub a stream connection needs.
type StreamSource interface {
	Since(lastSeq int64) ([]v1.Message, bool)
}

type StreamHandler struct {
	source     StreamSource
	register   chan<- *service.Client
	unregister chan<- *service.Client
}

func NewStreamHandler(hub *service.Hub) *StreamHandler {
	return &StreamHandler{source: hub, register: hub.Register, unregister: hub.Unregister}
}

// Watch streams task events as SSE. last_seq resumes after a reconnect; when the
// ring buffer no longer covers it the client gets a reset event and should
// reload the task list.
func (h *StreamHandler) Watch(c *gin.Context) {
	var lastSeq int64
	if s := c.Query("last_seq"); s != "" {
		lastSeq, _ = strconv.ParseInt(s, 10, 64)
	}
	var projectID int64
	if s := c.Query("project_id"); s != "" {
		projectID, _ = strconv.ParseInt(s, 10, 64)
	}

	logger.Info("stream client connected",
		zap.String("operator", service.GetOperator(c.Request.Context())),
		zap.Int64("project_id", projectID),
		zap.Int64("last_seq", lastSeq),
		zap.String("ip", c.ClientIP()),
	)

	client := &service.Client{
		Send:      make(chan v1.Message, 128),
		ProjectID: projectID,
	}
	// register before reading history so nothing falls between the two
	select {
	case h.register <- client:
	case <-c.Request.Context().Done():
		return
	case <-time.After(time.Second):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer func() {
		select {
		case h.unregister <- client:
		case <-time.After(time.Second):
			// hub already stopped
		}
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	maxSent := lastSeq
	if lastSeq > 0 {
		messages, ok := h.source.Since(lastSeq)
		if ok {
			for _, msg := range messages {
				if projectID != 0 && msg.ProjectID != projectID {
					continue
				}
				c.SSEvent("message", msg)
				maxSent = msg.Seq
			}
		} else {
			c.SSEvent("reset", "seq_too_old")
		}
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return false
			}
			if msg.Type == "ping" {
				c.SSEvent("ping", "pong")
				return true
			}
			// already sent from history
			if msg.Seq <= maxSent {
				return true
			}
			c.SSEvent("message", msg)
			maxSent = msg.Seq
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
