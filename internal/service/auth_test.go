package service

import (
	"context"
	"testing"
	"time"

	"taskorch/internal/dto/req"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DialTimeout: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testAuthConfig() AuthConfig {
	return AuthConfig{
		SigningKey:       []byte("operator-key"),
		KeyPrefix:        "taskorch-test",
		OperatorUser:     "ops",
		OperatorPassword: "hunter2",
	}
}

func TestAuthService_LoginRejectsBadCredentials(t *testing.T) {
	s := NewAuthService(nil, testAuthConfig())

	_, err := s.Login(context.Background(), req.LoginReq{Username: "ops", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(context.Background(), req.LoginReq{Username: "root", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	unset := NewAuthService(nil, AuthConfig{SigningKey: []byte("k")})
	_, err = unset.Login(context.Background(), req.LoginReq{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_LoginRefreshLogout(t *testing.T) {
	rdb := localRedis(t)
	s := NewAuthService(rdb, testAuthConfig())
	ctx := context.Background()

	tokens, err := s.Login(ctx, req.LoginReq{Username: "ops", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "operator", tokens.Operator.Role)
	assert.Equal(t, "Bearer", tokens.TokenType)

	claims, err := s.ParseAccessToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)

	rotated, err := s.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", rotated.Operator.Username)
	// the old refresh token is no longer on the allow-list
	_, err = s.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	require.NoError(t, s.Logout(ctx, claims.UserID))
	_, err = s.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestAuthService_ParseAccessTokenRejectsForeignTokens(t *testing.T) {
	s := NewAuthService(nil, testAuthConfig())

	sign := func(key []byte, issuer string, method jwt.SigningMethod) string {
		claims := UserClaims{
			UserID: "ops",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}

	_, err := s.ParseAccessToken(sign([]byte("operator-key"), Issuer, jwt.SigningMethodHS256))
	assert.NoError(t, err)
	_, err = s.ParseAccessToken(sign([]byte("other-key"), Issuer, jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.ParseAccessToken(sign([]byte("operator-key"), "someone-else", jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.ParseAccessToken(sign([]byte("operator-key"), Issuer, jwt.SigningMethodHS512))
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.ParseAccessToken("garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTaskTokenService(t *testing.T) {
	s := NewTaskTokenService([]byte("task-key"), time.Hour)

	// the dispatcher only sees the issuing side
	var issuer TaskTokenIssuer = s
	token, err := issuer.IssueTaskToken(42)
	require.NoError(t, err)
	id, err := s.ParseTaskToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &TaskClaims{})
	require.NoError(t, err)
	iss, err := parsed.Claims.GetIssuer()
	require.NoError(t, err)
	assert.Equal(t, taskTokenIssuerName, iss)

	other := NewTaskTokenService([]byte("other-key"), time.Hour)
	_, err = other.ParseTaskToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// an operator token is not a task token, even with the same key
	ops := NewAuthService(nil, AuthConfig{SigningKey: []byte("task-key")})
	claims := UserClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	opToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("task-key"))
	require.NoError(t, err)
	_, err = ops.ParseAccessToken(opToken)
	require.NoError(t, err)
	_, err = s.ParseTaskToken(opToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired := NewTaskTokenService([]byte("task-key"), time.Nanosecond)
	old, err := expired.IssueTaskToken(42)
	require.NoError(t, err)
	time.Sleep(time.Second)
	_, err = s.ParseTaskToken(old)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
