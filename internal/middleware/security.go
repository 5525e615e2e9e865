package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth           *security.Config          `yaml:"auth"`
	RateLimit      *security.RateLimitConfig `yaml:"rate_limit"`
	AllowedOrigins []string                  `yaml:"allowed_origins"`
}

// SecurityMiddleware combines the security middleware components
type SecurityMiddleware struct {
	authProvider   *security.DefaultAuthProvider
	rateLimiter    *security.InMemoryRateLimiter
	allowedOrigins []string
	logger         *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) *SecurityMiddleware {
	if config == nil {
		config = &SecurityMiddlewareConfig{}
	}

	var authProvider *security.DefaultAuthProvider
	if config.Auth != nil {
		authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}

	var rateLimiter *security.InMemoryRateLimiter
	if config.RateLimit != nil && config.RateLimit.Enabled {
		rateLimiter = security.NewInMemoryRateLimiter(config.RateLimit, logger)
	}

	return &SecurityMiddleware{
		authProvider:   authProvider,
		rateLimiter:    rateLimiter,
		allowedOrigins: config.AllowedOrigins,
		logger:         logger,
	}
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// built innermost first
		handler := next

		// rate limiting runs after auth so it can key on the client
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}

		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		handler = s.securityHeadersMiddleware()(handler)

		return handler
	}
}

// AuthProvider exposes the configured auth provider, nil when auth is off
func (s *SecurityMiddleware) AuthProvider() *security.DefaultAuthProvider {
	return s.authProvider
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Server", "Model-Hopper/1.0")

			// the docs page loads swagger-ui from a CDN
			if !strings.HasPrefix(r.URL.Path, "/docs") {
				w.Header().Set("Content-Security-Policy", "default-src 'self'")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware creates CORS middleware for cross-origin requests
func (s *SecurityMiddleware) CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && s.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}

			// preflight
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *SecurityMiddleware) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Stop releases background resources
func (s *SecurityMiddleware) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats reports which components are active
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"authentication_enabled": s.authProvider != nil,
		"rate_limiter_enabled":   s.rateLimiter != nil,
		"cors_origins":           len(s.allowedOrigins),
	}
}
