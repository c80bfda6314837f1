package api

import (
	"errors"
	"net/http"

	"taskorch/internal/service"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps service errors onto HTTP statuses. Anything unrecognized is a
// 500 and gets logged.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrEntryResolved):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidResult), errors.Is(err, service.ErrUnknownIntent),
		errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", c.GetString("TraceID")),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
