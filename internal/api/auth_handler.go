package api

import (
	"errors"
	"net/http"

	"taskorch/internal/dto/req"
	"taskorch/internal/dto/resp"
	"taskorch/internal/service"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler serves operator sessions for the admin endpoints and taskctl.
type AuthHandler struct {
	svc *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var body req.LoginReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	tokens, err := h.svc.Login(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			logger.Warn("operator login rejected", zap.String("username", body.Username), zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	logger.Info("operator logged in", zap.String("operator", tokens.Operator.Username), zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, tokens)
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var body req.RefreshReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}

	tokens, err := h.svc.Refresh(c.Request.Context(), body.RefreshToken)
	switch {
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, log in again"})
		return
	case errors.Is(err, service.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	case err != nil:
		logger.Error("token refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	op := service.GetOperatorInfo(c.Request.Context())
	if op == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.svc.Logout(c.Request.Context(), op.UserID); err != nil {
		logger.Error("logout failed", zap.String("operator", op.Name), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *AuthHandler) GetProfile(c *gin.Context) {
	op := service.GetOperatorInfo(c.Request.Context())
	if op == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, resp.OperatorProfile{ID: op.UserID, Username: op.Name, Role: op.Role})
}
