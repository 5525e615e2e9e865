package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-must-be-long-enough"

func TestNewDefaultAuthProvider(t *testing.T) {
	config := &Config{
		APIKeys:   []string{"test-key-1", "test-key-2"},
		JWTSecret: "test-secret",
	}
	logger := logrus.New()

	provider := NewDefaultAuthProvider(config, logger)

	assert.NotNil(t, provider)
	assert.Equal(t, config, provider.config)
	assert.Equal(t, 24*time.Hour, provider.config.JWTExpiry)
}

func TestDefaultAuthProvider_ValidateAPIKey(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{
		APIKeys: []string{"valid-key-1", "valid-key-2"},
	}, testLogger())

	tests := []struct {
		name     string
		apiKey   string
		wantErr  bool
		keyIndex string
	}{
		{name: "valid API key 1", apiKey: "valid-key-1", keyIndex: "0"},
		{name: "valid API key 2", apiKey: "valid-key-2", keyIndex: "1"},
		{name: "invalid API key", apiKey: "invalid-key", wantErr: true},
		{name: "empty API key", apiKey: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authInfo, err := provider.ValidateAPIKey(tt.apiKey)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, authInfo)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "client_valid-ke", authInfo.ClientID)
			assert.Equal(t, "api_key", authInfo.AuthType)
			assert.Equal(t, tt.keyIndex, authInfo.Metadata["key_index"])
		})
	}
}

func TestDefaultAuthProvider_GenerateAndValidateJWT(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{JWTSecret: testSecret, JWTExpiry: time.Hour}, testLogger())

	token, err := provider.GenerateJWT("ci-runner", map[string]string{"team": "platform"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := provider.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.ClientID)
	assert.Equal(t, "platform", claims.Metadata["team"])
	assert.Equal(t, "model-hopper", claims.Issuer)
}

func TestDefaultAuthProvider_GenerateJWT_NoSecret(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{}, testLogger())

	_, err := provider.GenerateJWT("client", nil)
	assert.Error(t, err)
}

func TestDefaultAuthProvider_ValidateJWT_InvalidToken(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{JWTSecret: testSecret, JWTExpiry: time.Hour}, testLogger())

	other := NewDefaultAuthProvider(&Config{JWTSecret: "a-completely-different-secret-value"}, testLogger())
	foreign, err := other.GenerateJWT("intruder", nil)
	require.NoError(t, err)

	expiredClaims := &JWTClaims{
		ClientID: "late",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "model-hopper",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		ClientID:         "other",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "invalid token format", token: "not.a.jwt"},
		{name: "malformed token", token: "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.invalid.signature"},
		{name: "wrong secret", token: foreign},
		{name: "expired", token: expired},
		{name: "wrong issuer", token: wrongIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := provider.ValidateJWT(tt.token)
			assert.Error(t, err)
			assert.Nil(t, claims)
		})
	}
}

func TestDefaultAuthProvider_Authenticate(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{
		APIKeys:   []string{"api-key-test"},
		JWTSecret: testSecret,
		JWTExpiry: time.Hour,
	}, testLogger())

	authInfo, err := provider.Authenticate("api-key-test")
	require.NoError(t, err)
	assert.Equal(t, "api_key", authInfo.AuthType)

	jwtToken, err := provider.GenerateJWT("test-client", nil)
	require.NoError(t, err)

	authInfo, err = provider.Authenticate(jwtToken)
	require.NoError(t, err)
	assert.Equal(t, "test-client", authInfo.ClientID)
	assert.Equal(t, "jwt", authInfo.AuthType)
	assert.NotNil(t, authInfo.ExpiresAt)

	authInfo, err = provider.Authenticate("invalid-token")
	assert.Error(t, err)
	assert.Nil(t, authInfo)
}

func TestAuthMiddleware(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{
		APIKeys:     []string{"client-key-123"},
		JWTSecret:   testSecret,
		RequireAuth: true,
	}, testLogger())

	var seen *AuthInfo
	handler := provider.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := provider.GenerateJWT("jwt-client", nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
		wantClient string
	}{
		{name: "missing token", path: "/v1/quota", wantStatus: http.StatusUnauthorized},
		{name: "bad key", path: "/v1/quota", headers: map[string]string{"X-API-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "api key header", path: "/v1/quota", headers: map[string]string{"X-API-Key": "client-key-123"}, wantStatus: http.StatusOK, wantClient: "client_client-k"},
		{name: "bearer api key", path: "/v1/quota", headers: map[string]string{"Authorization": "Bearer client-key-123"}, wantStatus: http.StatusOK, wantClient: "client_client-k"},
		{name: "bearer jwt", path: "/v1/prompt", headers: map[string]string{"Authorization": "Bearer " + token}, wantStatus: http.StatusOK, wantClient: "jwt-client"},
		{name: "health is public", path: "/health", wantStatus: http.StatusOK},
		{name: "docs are public", path: "/docs/openapi.yaml", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rr.Body.String(), "authentication_error")
			}
			if tt.wantClient != "" {
				require.NotNil(t, seen)
				assert.Equal(t, tt.wantClient, seen.ClientID)
			}
		})
	}
}

func TestAuthMiddleware_NotRequired(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{}, testLogger())
	handler := provider.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remoteAddr: "10.0.0.1:1234", want: "203.0.113.5"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, remoteAddr: "10.0.0.1:1234", want: "198.51.100.7"},
		{name: "remote addr", remoteAddr: "192.0.2.10:5555", want: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-1****", MaskKey("sk-1234567890abcdef"))
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "****", MaskKey("12345678"))
}

func TestGetAuthInfo(t *testing.T) {
	authInfo := &AuthInfo{ClientID: "test-client"}
	ctx := context.WithValue(context.Background(), authInfoKey, authInfo)

	result, ok := GetAuthInfo(ctx)
	assert.True(t, ok)
	assert.Equal(t, authInfo, result)

	result, ok = GetAuthInfo(context.Background())
	assert.False(t, ok)
	assert.Nil(t, result)

	// plain string keys do not collide with the typed key
	wrongCtx := context.WithValue(context.Background(), "auth_info", authInfo)
	result, ok = GetAuthInfo(wrongCtx)
	assert.False(t, ok)
	assert.Nil(t, result)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}
