package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	rateLimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_ratelimit_rejected_total",
		Help: "Requests rejected by a rate limiter.",
	}, []string{"limiter"})
	rateLimitFallback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_ratelimit_fallback_total",
		Help: "Rate limit decisions taken locally because Redis was unavailable.",
	}, []string{"limiter"})
)

// RateLimiterConfig defines configuration for the rate limiter
type RateLimiterConfig struct {
	Limit     int    // Requests per second
	Burst     int    // Burst size, defaults to Limit
	KeyPrefix string // Redis key prefix, also the metric label
	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(c *gin.Context) string
	// RedisTimeout bounds the script call before falling back. Defaults to 100ms.
	RedisTimeout time.Duration
}

// tokenBucketScript implements the Token Bucket algorithm.
// Input: ARGV[1]=rate, ARGV[2]=capacity, ARGV[3]=now, ARGV[4]=requested
// Output: { allowed, remaining, reset_after }
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local ttl = math.ceil(capacity / rate * 2)

local tokens = tonumber(redis.call("get", tokens_key))
if tokens == nil then tokens = capacity end
local last_ts = tonumber(redis.call("get", ts_key))
if last_ts == nil then last_ts = now end

tokens = math.min(capacity, tokens + math.max(0, now - last_ts) * rate)
if tokens < requested then
    return { 0, tostring(tokens), tostring((requested - tokens) / rate) }
end

tokens = tokens - requested
redis.call("set", tokens_key, tokens, "EX", ttl)
redis.call("set", ts_key, now, "EX", ttl)
return { 1, tostring(tokens), "0" }
`)

// decision is the outcome for one request.
type decision struct {
	allowed    bool
	remaining  int
	retryAfter time.Duration
}

// localBuckets is the in-process fallback used while Redis is unreachable.
// Buckets idle for longer than idleTTL are dropped on the next access sweep.
type localBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*localBucket
	idleTTL   time.Duration
	lastSweep time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{buckets: make(map[string]*localBucket), idleTTL: 10 * time.Minute, lastSweep: time.Now()}
}

func (l *localBuckets) take(key string, r rate.Limit, burst int) decision {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(r, burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return decision{retryAfter: time.Second}
	}
	return decision{allowed: true, remaining: int(b.limiter.TokensAt(now))}
}

// RateLimitMiddleware enforces a per-key token bucket in Redis. When Redis
// fails the decision is taken by an in-process limiter instead of rejecting.
func RateLimitMiddleware(rdb *redis.Client, cfg RateLimiterConfig) gin.HandlerFunc {
	requestsPerSecond := cfg.Limit
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = requestsPerSecond
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskorch:ratelimit"
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	fallback := newLocalBuckets()
	limitHeader := strconv.Itoa(requestsPerSecond)

	return func(c *gin.Context) {
		clientKey := keyFunc(c)
		bucket := prefix + ":" + clientKey

		d, err := redisTake(c.Request.Context(), rdb, bucket, requestsPerSecond, burst, timeout)
		if err != nil {
			logger.Warn("redis rate limit failed, using local limiter",
				zap.Error(err),
				zap.String("limiter", prefix),
				zap.String("key", clientKey))
			rateLimitFallback.WithLabelValues(prefix).Inc()
			d = fallback.take(bucket, rate.Limit(requestsPerSecond), burst)
		}

		c.Header("X-RateLimit-Limit", limitHeader)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		if !d.allowed {
			secs := int(math.Ceil(d.retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			rateLimitRejected.WithLabelValues(prefix).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func redisTake(ctx context.Context, rdb *redis.Client, bucket string, perSecond, burst int, timeout time.Duration) (decision, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, rdb,
		[]string{bucket + ":tokens", bucket + ":ts"},
		float64(perSecond), float64(burst), now, 1,
	).Slice()
	if err != nil {
		return decision{}, err
	}
	if len(res) != 3 {
		return decision{}, redis.Nil
	}
	remaining, _ := strconv.ParseFloat(toString(res[1]), 64)
	retryAfter, _ := strconv.ParseFloat(toString(res[2]), 64)
	return decision{
		allowed:    toInt(res[0]) == 1,
		remaining:  int(remaining),
		retryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
