package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/model-hopper/internal/middleware"
	"github.com/tributary-ai/model-hopper/internal/providers/anthropic"
	"github.com/tributary-ai/model-hopper/internal/providers/gemini"
	"github.com/tributary-ai/model-hopper/internal/providers/openai"
	"github.com/tributary-ai/model-hopper/internal/routing"
	"github.com/tributary-ai/model-hopper/internal/security"
	"github.com/tributary-ai/model-hopper/internal/server"
	"github.com/tributary-ai/model-hopper/internal/types"
)

// DefaultConfigFile is the file name looked up when no path is given
const DefaultConfigFile = ".model-hopper.yaml"

// Config represents the complete application configuration
type Config struct {
	APIKeys               map[types.ProviderID]string `yaml:"api_keys"`
	PriorityOrder         []types.ProviderID          `yaml:"priority_order"`
	QuotaRefreshMinutes   int                         `yaml:"quota_refresh_minutes"`
	AlertThresholdPercent float64                     `yaml:"alert_threshold_percent"`
	ManualOverride        types.ProviderID            `yaml:"manual_override,omitempty"`

	Providers ProvidersConfig `yaml:"providers"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ProvidersConfig holds per-vendor settings. API keys live in Config.APIKeys.
type ProvidersConfig struct {
	OpenAI    ProviderSettings `yaml:"openai"`
	Anthropic ProviderSettings `yaml:"anthropic"`
	Gemini    ProviderSettings `yaml:"gemini"`
}

// ProviderSettings holds the optional overrides for one vendor
type ProviderSettings struct {
	Model   string        `yaml:"model,omitempty"`
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ValidateAPI    bool          `yaml:"validate_api"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig protects the HTTP surface. Auth is off when neither API keys
// nor a JWT secret are set.
type SecurityConfig struct {
	APIKeys            []string        `yaml:"api_keys"`
	JWTSecret          string          `yaml:"jwt_secret,omitempty"`
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins"`
	RateLimiting       RateLimitConfig `yaml:"rate_limiting"`
}

// RateLimitConfig holds inbound rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_minute"`
	BurstSize      int  `yaml:"burst_size"`
}

// TracingConfig toggles span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	config.PriorityOrder = dedupe(config.PriorityOrder)

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.APIKeys = make(map[types.ProviderID]string)
	c.PriorityOrder = types.AllProviders()
	c.QuotaRefreshMinutes = 60
	c.AlertThresholdPercent = 80

	c.Providers = ProvidersConfig{
		OpenAI:    ProviderSettings{Model: openai.DefaultModel},
		Anthropic: ProviderSettings{Model: anthropic.DefaultModel},
		Gemini:    ProviderSettings{Model: gemini.DefaultModel},
	}

	// Server defaults
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		ValidateAPI:    true,
	}

	// Logging defaults
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	// Security defaults
	c.Security = SecurityConfig{
		APIKeys:            []string{},
		CORSAllowedOrigins: []string{"*"},
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
		},
	}
}

// loadFromFile loads configuration from a YAML (or JSON) file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if c.APIKeys == nil {
		c.APIKeys = make(map[types.ProviderID]string)
	}

	return c.normalizeProviderIDs()
}

// normalizeProviderIDs lowercases the ids written in the file so that
// "OpenAI" and "openai" name the same provider. Unknown ids are left for
// validate to reject.
func (c *Config) normalizeProviderIDs() error {
	keys := make(map[types.ProviderID]string, len(c.APIKeys))
	for id, key := range c.APIKeys {
		normalized := normalizeID(id)
		if _, dup := keys[normalized]; dup {
			return fmt.Errorf("api_keys: %s listed more than once", normalized)
		}
		keys[normalized] = key
	}
	c.APIKeys = keys

	c.ManualOverride = normalizeID(c.ManualOverride)
	return nil
}

func normalizeID(id types.ProviderID) types.ProviderID {
	return types.ProviderID(strings.ToLower(strings.TrimSpace(string(id))))
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	// Provider API keys
	envKeys := map[types.ProviderID]string{
		types.ProviderOpenAI:    "OPENAI_API_KEY",
		types.ProviderAnthropic: "ANTHROPIC_API_KEY",
		types.ProviderGemini:    "GEMINI_API_KEY",
	}
	for id, name := range envKeys {
		if key := os.Getenv(name); key != "" {
			c.APIKeys[id] = key
		}
	}

	// Server configuration
	if port := os.Getenv("MODEL_HOPPER_PORT"); port != "" {
		c.Server.Port = port
	}

	// Logging configuration
	if level := os.Getenv("MODEL_HOPPER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("MODEL_HOPPER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	// Routing configuration
	if order := os.Getenv("MODEL_HOPPER_PRIORITY_ORDER"); order != "" {
		c.PriorityOrder = parseProviderList(order)
	}

	if override := os.Getenv("MODEL_HOPPER_OVERRIDE"); override != "" {
		c.ManualOverride = normalizeID(types.ProviderID(override))
	}

	if secret := os.Getenv("MODEL_HOPPER_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	if tracing := os.Getenv("MODEL_HOPPER_TRACING"); tracing != "" {
		c.Tracing.Enabled = tracing == "true" || tracing == "1"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	// Validate server port
	if c.Server.Port == "" {
		return errors.New("server port cannot be empty")
	}

	if c.AlertThresholdPercent < 1 || c.AlertThresholdPercent > 100 {
		return fmt.Errorf("alert_threshold_percent must be between 1 and 100, got %v", c.AlertThresholdPercent)
	}

	if c.QuotaRefreshMinutes < 1 {
		return fmt.Errorf("quota_refresh_minutes must be at least 1, got %d", c.QuotaRefreshMinutes)
	}

	if len(c.PriorityOrder) == 0 {
		return errors.New("priority_order cannot be empty")
	}

	for _, id := range c.PriorityOrder {
		if _, err := types.ParseProviderID(string(id)); err != nil {
			return fmt.Errorf("priority_order: %w", err)
		}
	}

	for id := range c.APIKeys {
		if _, err := types.ParseProviderID(string(id)); err != nil {
			return fmt.Errorf("api_keys: %w", err)
		}
	}

	if c.ManualOverride != "" {
		if _, err := types.ParseProviderID(string(c.ManualOverride)); err != nil {
			return fmt.Errorf("manual_override: %w", err)
		}
	}

	// Validate logging level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// RoutingOptions builds the per-request routing options. A non-empty
// override takes precedence over the configured one.
func (c *Config) RoutingOptions(override types.ProviderID) routing.RoutingOptions {
	if override == "" {
		override = c.ManualOverride
	}

	order := make([]types.ProviderID, len(c.PriorityOrder))
	copy(order, c.PriorityOrder)

	return routing.RoutingOptions{
		PriorityOrder:         order,
		AlertThresholdPercent: c.AlertThresholdPercent,
		ManualOverride:        override,
	}
}

// OpenAIConfig converts to openai.OpenAIConfig
func (c *Config) OpenAIConfig() *openai.OpenAIConfig {
	return &openai.OpenAIConfig{
		APIKey:  c.APIKeys[types.ProviderOpenAI],
		BaseURL: c.Providers.OpenAI.BaseURL,
		Model:   c.Providers.OpenAI.Model,
		Timeout: c.Providers.OpenAI.Timeout,
	}
}

// AnthropicConfig converts to anthropic.AnthropicConfig
func (c *Config) AnthropicConfig() *anthropic.AnthropicConfig {
	return &anthropic.AnthropicConfig{
		APIKey:  c.APIKeys[types.ProviderAnthropic],
		BaseURL: c.Providers.Anthropic.BaseURL,
		Model:   c.Providers.Anthropic.Model,
		Timeout: c.Providers.Anthropic.Timeout,
	}
}

// GeminiConfig converts to gemini.GeminiConfig
func (c *Config) GeminiConfig() *gemini.GeminiConfig {
	return &gemini.GeminiConfig{
		APIKey:  c.APIKeys[types.ProviderGemini],
		BaseURL: c.Providers.Gemini.BaseURL,
		Model:   c.Providers.Gemini.Model,
		Timeout: c.Providers.Gemini.Timeout,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
		Validation:     &middleware.ValidationConfig{Enabled: c.Server.ValidateAPI},
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			RequireAuth: len(c.Security.APIKeys) > 0 || c.Security.JWTSecret != "",
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			WindowDuration:    time.Minute,
			CleanupInterval:   5 * time.Minute,
		},
		AllowedOrigins: c.Security.CORSAllowedOrigins,
	}
}

// GetEnabledProviders returns the ids that have an API key, in priority order
func (c *Config) GetEnabledProviders() []types.ProviderID {
	var enabled []types.ProviderID
	for _, id := range c.PriorityOrder {
		if c.APIKeys[id] != "" {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SampleConfig returns a starter configuration with empty API keys
func SampleConfig() *Config {
	c := &Config{}
	c.setDefaults()
	for _, id := range types.AllProviders() {
		c.APIKeys[id] = ""
	}
	return c
}

// WriteSample writes SampleConfig to path. An existing file is left untouched.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	return SampleConfig().SaveToFile(path)
}

func parseProviderList(s string) []types.ProviderID {
	var ids []types.ProviderID
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			ids = append(ids, types.ProviderID(part))
		}
	}
	return ids
}

// dedupe keeps the first occurrence of each id
func dedupe(ids []types.ProviderID) []types.ProviderID {
	seen := make(map[types.ProviderID]bool, len(ids))
	out := make([]types.ProviderID, 0, len(ids))
	for _, id := range ids {
		id = normalizeID(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
