package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// TaskTokenParser checks a task-scoped bearer token.
type TaskTokenParser interface {
	ParseTaskToken(token string) (uint64, error)
}

func bearer(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// TaskAuthMiddleware only lets a request through when its bearer token was
// issued for the task named by the :id path parameter.
func TaskAuthMiddleware(tokens TaskTokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing task token"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		taskID, err := tokens.ParseTaskToken(token)
		if err != nil || taskID != id {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ExecutorKeyMiddleware guards the claim endpoint with a static runner key.
func ExecutorKeyMiddleware(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Executor-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing executor key"})
			return
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// WebhookSecretMiddleware checks GitLab's X-Gitlab-Token header. An empty
// secret disables the check.
func WebhookSecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
		c.Next()
	}
}
