package middleware

import (
	"net/http"

	"taskorch/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("taskorch/internal/middleware")

// TraceMiddleware opens a server span per request and stores the request trace
// id, which outbox rows written during the request carry along. Without an
// X-Trace-ID header the request id is used, so GitLab deliveries stay
// correlated with their webhook log entry.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = c.GetString("request_id")
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+name,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(attribute.String("http.request_id", traceID))
		if event := c.GetHeader("X-Gitlab-Event"); event != "" {
			span.SetAttributes(
				attribute.String("gitlab.event", event),
				attribute.String("gitlab.project_id", c.GetHeader("X-Gitlab-Project-Id")),
			)
		}

		c.Request = c.Request.WithContext(service.WithTraceID(ctx, traceID))
		c.Set("TraceID", traceID)
		c.Writer.Header().Set("X-Trace-ID", traceID)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
