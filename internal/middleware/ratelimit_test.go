package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.InitLogger("test")
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  0,
	})
}

func TestRateLimitMiddleware_RedisFailure_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(unreachableRedis(), RateLimiterConfig{Limit: 10, KeyPrefix: "test:failopen"}))
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitMiddleware_LocalFallbackRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(unreachableRedis(), RateLimiterConfig{
		Limit:     1,
		Burst:     2,
		KeyPrefix: "test:burst",
		KeyFunc:   func(c *gin.Context) string { return "project-7" },
	}))
	r.POST("/webhook", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/webhook", nil)
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestRateLimitMiddleware_RejectionSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(unreachableRedis(), RateLimiterConfig{
		Limit:     1,
		KeyPrefix: "test:retry-after",
		KeyFunc:   func(c *gin.Context) string { return c.GetHeader("X-Gitlab-Project-Id") },
	}))
	r.POST("/webhook", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	send := func(project string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/webhook", nil)
		req.Header.Set("X-Gitlab-Project-Id", project)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, send("1").Code)
	w := send("1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// other projects have their own bucket
	assert.Equal(t, http.StatusAccepted, send("2").Code)
}

func TestLocalBuckets_EvictsIdleKeys(t *testing.T) {
	l := newLocalBuckets()
	l.idleTTL = time.Millisecond

	assert.True(t, l.take("a", 1, 1).allowed)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.take("b", 1, 1).allowed)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
}
