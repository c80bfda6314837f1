package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskorch/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHttpMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HttpMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestTraceMiddleware_PropagatesHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware())
	var seen string
	r.GET("/test", func(c *gin.Context) {
		seen = c.GetString("TraceID")
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Trace-ID", "abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get("X-Trace-ID"))
}

func TestRequestID_ReusesGitLabDeliveryID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), TraceMiddleware())
	var traceID string
	r.POST("/hook", func(c *gin.Context) {
		traceID = service.TraceIDFrom(c.Request.Context())
		c.Status(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/hook", nil)
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Event-UUID", "2d3c1b9e-delivery")
	r.ServeHTTP(w, req)

	assert.Equal(t, "2d3c1b9e-delivery", w.Header().Get("X-Request-ID"))
	// no explicit trace header, so the delivery id doubles as trace id
	assert.Equal(t, "2d3c1b9e-delivery", traceID)
	assert.Equal(t, "2d3c1b9e-delivery", w.Header().Get("X-Trace-ID"))
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	r.ServeHTTP(w, req)

	rid := w.Header().Get("X-Request-ID")
	assert.Len(t, rid, 36)
}

func TestGinZapRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), GinZapLogger(), GinZapRecovery(), HttpMiddleware())
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/boom", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())

	// unmatched routes still get a bounded label
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/nope", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
