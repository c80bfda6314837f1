package middleware

import (
	"net/http"
	"time"

	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// probes are polled constantly and only logged at debug level.
var probes = map[string]bool{"/health": true, "/metrics": true}

func GinZapLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("trace_id", c.GetString("TraceID")),
		}
		if event := c.GetHeader("X-Gitlab-Event"); event != "" {
			fields = append(fields,
				zap.String("gitlab_event", event),
				zap.String("gitlab_project", c.GetHeader("X-Gitlab-Project-Id")))
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("resource_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http_request", fields...)
		case probes[path]:
			logger.Debug("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

func GinZapRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString("request_id")),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// RequestID reuses GitLab's delivery id for webhooks so a request can be found
// from the project's webhook log, and the caller's X-Request-ID otherwise.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Gitlab-Event-UUID")
		if rid == "" {
			rid = c.GetHeader("X-Request-ID")
		}
		if rid == "" || len(rid) > 64 {
			rid = uuid.New().String()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}
