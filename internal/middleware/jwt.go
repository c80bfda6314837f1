package middleware

import (
	"net/http"

	"taskorch/internal/service"

	"github.com/gin-gonic/gin"
)

// AccessTokenParser validates operator access tokens.
type AccessTokenParser interface {
	ParseAccessToken(token string) (*service.UserClaims, error)
}

func JWTMiddleware(auth AccessTokenParser, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if devMode && c.GetHeader("X-Dev-Pass") == "true" {
			ctx := service.WithOperator(c.Request.Context(), &service.OperatorInfo{
				UserID: "9999",
				Name:   "dev-admin",
				Role:   "operator",
			})
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		tokenString := bearer(c)
		if tokenString == "" {
			// EventSource cannot set headers
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header missing"})
			return
		}

		claims, err := auth.ParseAccessToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid access token"})
			return
		}

		ctx := service.WithOperator(c.Request.Context(), &service.OperatorInfo{
			UserID: claims.UserID,
			Name:   claims.Username,
			Role:   claims.Role,
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
