package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "taskorch_http_duration_seconds",
			Help: "Duration of HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)
	webhookReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_webhooks_received_total",
			Help: "GitLab webhooks received, by X-Gitlab-Event header and response status.",
		},
		[]string{"event", "status"},
	)
)

func HttpMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		// unmatched paths would otherwise add one series per scanned URL
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)

		if event := c.GetHeader("X-Gitlab-Event"); event != "" {
			webhookReceived.WithLabelValues(event, status).Inc()
		}
	}
}
