package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taskorch/internal/dto/req"
	"taskorch/internal/dto/resp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	Issuer              = "taskorch-auth-service"
	taskTokenIssuerName = "taskorch-task-token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
)

type AuthConfig struct {
	SigningKey       []byte
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	KeyPrefix        string
	OperatorUser     string
	OperatorPassword string
}

// AuthService issues operator access tokens and keeps the refresh token
// allow-list in Redis.
type AuthService struct {
	redis *redis.Client
	cfg   AuthConfig
}

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAuthService(rdb *redis.Client, cfg AuthConfig) *AuthService {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskorch"
	}
	return &AuthService{redis: rdb, cfg: cfg}
}

func (s *AuthService) sessionKey(userID string) string {
	return fmt.Sprintf("%s:auth:session:%s", s.cfg.KeyPrefix, userID)
}

// Login checks the configured operator account and returns a token pair.
func (s *AuthService) Login(ctx context.Context, body req.LoginReq) (*resp.TokenResp, error) {
	if s.cfg.OperatorUser == "" || s.cfg.OperatorPassword == "" {
		return nil, ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(body.Username), []byte(s.cfg.OperatorUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(body.Password), []byte(s.cfg.OperatorPassword)) == 1
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}

	userID := body.Username
	role := "operator"
	tokens, err := s.generateTokens(ctx, userID, body.Username, role)
	if err != nil {
		return nil, err
	}
	tokens.Operator = resp.OperatorProfile{
		ID:       userID,
		Username: body.Username,
		Role:     role,
	}
	return tokens, nil
}

// Refresh rotates the token pair. Only the latest refresh token per user is
// accepted.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	claims, err := s.ParseAccessToken(refreshToken)
	if err != nil {
		return nil, err
	}

	storedToken, err := s.redis.Get(ctx, s.sessionKey(claims.UserID)).Result()
	if err == redis.Nil {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	tokens, err := s.generateTokens(ctx, claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, err
	}
	tokens.Operator = resp.OperatorProfile{ID: claims.UserID, Username: claims.Username, Role: claims.Role}
	return tokens, nil
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, s.sessionKey(userID)).Err()
}

// ParseAccessToken validates an operator token signed by this service.
func (s *AuthService) ParseAccessToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *AuthService) generateTokens(ctx context.Context, userID, username, role string) (*resp.TokenResp, error) {
	now := time.Now()
	atClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, atClaims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	rtClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.New().String(), // JTI
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rtClaims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	if err := s.redis.Set(ctx, s.sessionKey(userID), refreshToken, s.cfg.RefreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// TaskClaims scope a bearer token to exactly one task.
type TaskClaims struct {
	TaskID uint64 `json:"task_id"`
	jwt.RegisteredClaims
}

// TaskTokenService mints and checks the credentials executors use to start a
// task and report its result.
type TaskTokenService struct {
	key []byte
	ttl time.Duration
}

func NewTaskTokenService(key []byte, ttl time.Duration) *TaskTokenService {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &TaskTokenService{key: key, ttl: ttl}
}

func (s *TaskTokenService) IssueTaskToken(taskID uint64) (string, error) {
	now := time.Now()
	claims := TaskClaims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(taskID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    taskTokenIssuerName,
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// ParseTaskToken returns the task id the token was issued for.
func (s *TaskTokenService) ParseTaskToken(tokenString string) (uint64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TaskClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(taskTokenIssuerName))
	if err != nil {
		return 0, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*TaskClaims)
	if !ok || !token.Valid || claims.TaskID == 0 {
		return 0, ErrTokenInvalid
	}
	return claims.TaskID, nil
}
