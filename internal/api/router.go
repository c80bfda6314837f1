package api

import (
	"strconv"

	"taskorch/internal/metrics"
	"taskorch/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type Handlers struct {
	Webhook *WebhookHandler
	Task    *TaskHandler
	Admin   *AdminHandler
	Stream  *StreamHandler
	Auth    *AuthHandler
	Health  *HealthHandler
}

type RouterConfig struct {
	Env               string
	WebhookSecret     string
	ExecutorKeys      []string
	CorsOrigins       []string
	RequestsPerSecond int
	KeyPrefix         string
}

func RegisterRoutes(h Handlers, auth middleware.AccessTokenParser, tasks middleware.TaskTokenParser, rdb *redis.Client, cfg RouterConfig) *gin.Engine {
	r := gin.New()

	// X-Dev-Pass only outside production
	devMode := cfg.Env == "dev" || cfg.Env == "loadtest"

	r.Use(
		middleware.CorsMiddleware(cfg.CorsOrigins),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// GitLab retries aggressively, so each project gets its own bucket
	webhookLimiter := middleware.RateLimitMiddleware(rdb, middleware.RateLimiterConfig{
		Limit:     cfg.RequestsPerSecond,
		KeyPrefix: cfg.KeyPrefix + ":ratelimit:webhook",
		KeyFunc: func(c *gin.Context) string {
			if id := c.GetHeader("X-Gitlab-Project-Id"); id != "" {
				if _, err := strconv.ParseInt(id, 10, 64); err == nil {
					return id
				}
			}
			return c.ClientIP()
		},
	})
	r.POST("/v1/webhooks/gitlab", middleware.WebhookSecretMiddleware(cfg.WebhookSecret), webhookLimiter, h.Webhook.Receive)

	auth1 := r.Group("/v1/auth")
	{
		auth1.POST("/login", h.Auth.Login)
		auth1.POST("/refresh", h.Auth.Refresh)
	}
	authProtected := r.Group("/v1/auth")
	authProtected.Use(middleware.JWTMiddleware(auth, devMode))
	{
		authProtected.GET("/me", h.Auth.GetProfile)
		authProtected.POST("/logout", h.Auth.Logout)
	}

	// executor side: a runner key to claim, a task token for everything after
	r.GET("/v1/executor/claim", middleware.ExecutorKeyMiddleware(cfg.ExecutorKeys), h.Task.Claim)
	executor := r.Group("/v1/tasks/:id")
	executor.Use(middleware.TaskAuthMiddleware(tasks))
	{
		executor.POST("/start", h.Task.StartTask)
		executor.POST("/result", h.Task.ReportResult)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.JWTMiddleware(auth, devMode))
	writeLimiter := middleware.RateLimitMiddleware(rdb, middleware.RateLimiterConfig{
		Limit:     cfg.RequestsPerSecond,
		KeyPrefix: cfg.KeyPrefix + ":ratelimit:admin",
	})
	{
		protected.GET("/tasks", h.Task.ListTasks)
		protected.POST("/tasks", writeLimiter, h.Task.CreateTask)
		protected.GET("/tasks/:id", h.Task.GetTask)
		protected.GET("/tasks/:id/events", h.Task.TaskEvents)

		protected.GET("/admin/stream", h.Stream.Watch)
		protected.GET("/admin/stats", h.Admin.Stats)
		protected.POST("/admin/outbox/replay", writeLimiter, h.Admin.ReplayOutbox)
		protected.GET("/admin/deadletters", h.Admin.ListDeadLetters)
		protected.GET("/admin/deadletters/:id", h.Admin.GetDeadLetter)
		protected.POST("/admin/deadletters/:id/retry", writeLimiter, h.Admin.RetryDeadLetter)
		protected.POST("/admin/deadletters/:id/dismiss", writeLimiter, h.Admin.DismissDeadLetter)
	}
	return r
}
