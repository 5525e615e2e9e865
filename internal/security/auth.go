// Package security guards the HTTP surface: client authentication and
// inbound rate limiting. Provider API keys are not handled here.
package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/types"
)

const jwtIssuer = "model-hopper"

type contextKey string

const authInfoKey contextKey = "auth_info"

// AuthInfo contains authenticated client information
type AuthInfo struct {
	ClientID  string            `json:"client_id"`
	AuthType  string            `json:"auth_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	ClientID string            `json:"client_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// DefaultAuthProvider accepts either a static API key or an HS256 JWT
type DefaultAuthProvider struct {
	config *Config
	logger *logrus.Logger
}

// NewDefaultAuthProvider creates a new authentication provider
func NewDefaultAuthProvider(config *Config, logger *logrus.Logger) *DefaultAuthProvider {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}

	return &DefaultAuthProvider{
		config: config,
		logger: logger,
	}
}

// Authenticate validates a token (API key or JWT)
func (a *DefaultAuthProvider) Authenticate(token string) (*AuthInfo, error) {
	if authInfo, err := a.ValidateAPIKey(token); err == nil {
		return authInfo, nil
	}

	if a.config.JWTSecret != "" {
		if claims, err := a.ValidateJWT(token); err == nil {
			info := &AuthInfo{
				ClientID: claims.ClientID,
				AuthType: "jwt",
				Metadata: claims.Metadata,
			}
			if claims.ExpiresAt != nil {
				expires := claims.ExpiresAt.Time
				info.ExpiresAt = &expires
			}
			return info, nil
		}
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey validates an API key
func (a *DefaultAuthProvider) ValidateAPIKey(apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	// constant-time comparison
	for i, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				ClientID: clientIDFromKey(apiKey),
				AuthType: "api_key",
				Metadata: map[string]string{"key_index": strconv.Itoa(i)},
			}, nil
		}
	}

	return nil, errors.New("invalid API key")
}

// GenerateJWT issues a token for clientID. Used by the CLI to mint client
// credentials for the HTTP service.
func (a *DefaultAuthProvider) GenerateJWT(clientID string, metadata map[string]string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret not configured")
	}

	now := time.Now()
	claims := &JWTClaims{
		ClientID: clientID,
		Metadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT validates a JWT token
func (a *DefaultAuthProvider) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(jwtIssuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid JWT token")
}

// AuthMiddleware creates authentication middleware. Health and docs routes
// are always public.
func (a *DefaultAuthProvider) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) || !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				writeUnauthorized(w, "Missing authentication token")
				return
			}

			authInfo, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":      err.Error(),
					"path":       r.URL.Path,
					"method":     r.Method,
					"remote_ip":  ClientIP(r),
					"key_prefix": MaskKey(token),
				}).Warn("Authentication failed")

				writeUnauthorized(w, "Invalid authentication token")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"client_id": authInfo.ClientID,
				"auth_type": authInfo.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			ctx := context.WithValue(r.Context(), authInfoKey, authInfo)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthInfo extracts authentication info from request context
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	authInfo, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return authInfo, ok
}

// ExtractToken reads a bearer token or X-API-Key header
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.Header.Get("X-API-Key")
}

// ClientIP returns the caller address, honoring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}

	return ip
}

// MaskKey hides all but the first four characters of a secret
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

func isPublicPath(path string) bool {
	return strings.HasPrefix(path, "/health") || strings.HasPrefix(path, "/docs")
}

func clientIDFromKey(apiKey string) string {
	if len(apiKey) >= 8 {
		return "client_" + apiKey[:8]
	}
	return "client_" + apiKey
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "authentication_error", message)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{Message: message, Type: errType, Code: status},
	})
}
