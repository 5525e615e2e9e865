package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tributary-ai/model-hopper/internal/types"
)

// clearEnv blanks every variable loadFromEnv reads so the host environment
// cannot leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"MODEL_HOPPER_PORT", "MODEL_HOPPER_LOG_LEVEL", "MODEL_HOPPER_LOG_FORMAT",
		"MODEL_HOPPER_PRIORITY_ORDER", "MODEL_HOPPER_OVERRIDE",
		"MODEL_HOPPER_JWT_SECRET", "MODEL_HOPPER_TRACING",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}

	if cfg.AlertThresholdPercent != 80 {
		t.Errorf("Expected default threshold 80, got %v", cfg.AlertThresholdPercent)
	}

	if cfg.QuotaRefreshMinutes != 60 {
		t.Errorf("Expected default refresh 60, got %d", cfg.QuotaRefreshMinutes)
	}

	expectedOrder := []types.ProviderID{types.ProviderOpenAI, types.ProviderAnthropic, types.ProviderGemini}
	if len(cfg.PriorityOrder) != len(expectedOrder) {
		t.Fatalf("Expected priority %v, got %v", expectedOrder, cfg.PriorityOrder)
	}
	for i, id := range expectedOrder {
		if cfg.PriorityOrder[i] != id {
			t.Errorf("Priority %d: expected %s, got %s", i, id, cfg.PriorityOrder[i])
		}
	}

	if cfg.Providers.OpenAI.Model != "gpt-4.1-mini" {
		t.Errorf("Expected default OpenAI model, got %s", cfg.Providers.OpenAI.Model)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}

	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	if len(cfg.GetEnabledProviders()) != 0 {
		t.Errorf("Expected no enabled providers without keys, got %v", cfg.GetEnabledProviders())
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_HOPPER_PORT", "9090")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("MODEL_HOPPER_LOG_LEVEL", "debug")
	t.Setenv("MODEL_HOPPER_LOG_FORMAT", "text")
	t.Setenv("MODEL_HOPPER_PRIORITY_ORDER", "Gemini, openai, gemini")
	t.Setenv("MODEL_HOPPER_OVERRIDE", "anthropic")
	t.Setenv("MODEL_HOPPER_TRACING", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected log format 'text', got %s", cfg.Logging.Format)
	}

	if len(cfg.PriorityOrder) != 2 || cfg.PriorityOrder[0] != types.ProviderGemini || cfg.PriorityOrder[1] != types.ProviderOpenAI {
		t.Errorf("Expected de-duplicated [gemini openai], got %v", cfg.PriorityOrder)
	}

	if cfg.ManualOverride != types.ProviderAnthropic {
		t.Errorf("Expected override 'anthropic', got %s", cfg.ManualOverride)
	}

	if !cfg.Tracing.Enabled {
		t.Error("Expected tracing to be enabled")
	}

	enabled := cfg.GetEnabledProviders()
	if len(enabled) != 2 || enabled[0] != types.ProviderGemini {
		t.Errorf("Expected enabled providers in priority order, got %v", enabled)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
api_keys:
  openai: sk-file
  anthropic: ""
priority_order: [anthropic, openai, anthropic]
quota_refresh_minutes: 15
alert_threshold_percent: 90
providers:
  openai:
    model: gpt-4o
    base_url: http://localhost:9999/v1
    timeout: 45s
server:
  port: "7070"
security:
  api_keys: [client-key]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.QuotaRefreshMinutes != 15 || cfg.AlertThresholdPercent != 90 {
		t.Errorf("Unexpected quota settings: %d / %v", cfg.QuotaRefreshMinutes, cfg.AlertThresholdPercent)
	}

	if len(cfg.PriorityOrder) != 2 {
		t.Errorf("Expected duplicates to be removed, got %v", cfg.PriorityOrder)
	}

	openaiCfg := cfg.OpenAIConfig()
	if openaiCfg.APIKey != "sk-file" || openaiCfg.Model != "gpt-4o" || openaiCfg.Timeout != 45*time.Second {
		t.Errorf("Unexpected OpenAI config: %+v", openaiCfg)
	}

	// unset sections keep their defaults
	if cfg.Providers.Gemini.Model != "gemini-1.5-pro" {
		t.Errorf("Expected default Gemini model, got %s", cfg.Providers.Gemini.Model)
	}

	serverCfg := cfg.ToServerConfig()
	if serverCfg.Port != "7070" {
		t.Errorf("Expected port 7070, got %s", serverCfg.Port)
	}
	if !serverCfg.Security.Auth.RequireAuth {
		t.Error("Auth should be required when API keys are configured")
	}
}

func TestLoadConfig_NormalizesProviderIDs(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
api_keys:
  OpenAI: sk-test
  " Gemini ": AIza-test
priority_order: [Gemini, OPENAI]
manual_override: Gemini
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ManualOverride != types.ProviderGemini {
		t.Errorf("Expected override gemini, got %q", cfg.ManualOverride)
	}
	if got := cfg.OpenAIConfig().APIKey; got != "sk-test" {
		t.Errorf("Expected OpenAI key from mixed-case entry, got %q", got)
	}

	enabled := cfg.GetEnabledProviders()
	if len(enabled) != 2 || enabled[0] != types.ProviderGemini || enabled[1] != types.ProviderOpenAI {
		t.Errorf("Expected [gemini openai] enabled, got %v", enabled)
	}

	opts := cfg.RoutingOptions("")
	if opts.ManualOverride != types.ProviderGemini {
		t.Errorf("Expected routing override gemini, got %q", opts.ManualOverride)
	}
}

func TestLoadConfig_EnvKeyBeatsMixedCaseFileKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := LoadConfig(writeConfig(t, "api_keys:\n  OpenAI: sk-file\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.APIKeys[types.ProviderOpenAI]; got != "sk-env" {
		t.Errorf("Expected env key to win, got %q", got)
	}
	if len(cfg.APIKeys) != 1 {
		t.Errorf("Expected a single normalized entry, got %v", cfg.APIKeys)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, "api_keys:\n  openai: sk-file\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.APIKeys[types.ProviderOpenAI] != "sk-env" {
		t.Errorf("Expected env key to win, got %s", cfg.APIKeys[types.ProviderOpenAI])
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{name: "threshold too low", content: "alert_threshold_percent: 0\n", errPart: "alert_threshold_percent"},
		{name: "threshold too high", content: "alert_threshold_percent: 101\n", errPart: "alert_threshold_percent"},
		{name: "refresh too low", content: "quota_refresh_minutes: 0\n", errPart: "quota_refresh_minutes"},
		{name: "unknown provider", content: "priority_order: [openai, mistral]\n", errPart: "mistral"},
		{name: "unknown api key", content: "api_keys:\n  mistral: x\n", errPart: "api_keys"},
		{name: "unknown override", content: "manual_override: mistral\n", errPart: "manual_override"},
		{name: "empty priority", content: "priority_order: []\n", errPart: "priority_order"},
		{name: "bad log level", content: "logging:\n  level: verbose\n", errPart: "log level"},
		{name: "bad log format", content: "logging:\n  format: xml\n", errPart: "log format"},
		{name: "duplicate api key", content: "api_keys:\n  openai: a\n  OpenAI: b\n", errPart: "more than once"},
		{name: "empty port", content: "server:\n  port: \"\"\n", errPart: "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error to mention %q, got %v", tt.errPart, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestConfig_RoutingOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg.ManualOverride = types.ProviderAnthropic

	opts := cfg.RoutingOptions("")
	if opts.ManualOverride != types.ProviderAnthropic {
		t.Errorf("Expected configured override, got %s", opts.ManualOverride)
	}
	if opts.AlertThresholdPercent != 80 {
		t.Errorf("Expected threshold 80, got %v", opts.AlertThresholdPercent)
	}

	opts = cfg.RoutingOptions(types.ProviderGemini)
	if opts.ManualOverride != types.ProviderGemini {
		t.Errorf("Expected per-request override to win, got %s", opts.ManualOverride)
	}

	// mutating the returned order must not affect the config
	opts.PriorityOrder[0] = "changed"
	if cfg.PriorityOrder[0] != types.ProviderOpenAI {
		t.Error("RoutingOptions should copy the priority order")
	}
}

func TestWriteSample(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), DefaultConfigFile)

	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Sample config should load: %v", err)
	}
	if _, ok := cfg.APIKeys[types.ProviderGemini]; !ok {
		t.Error("Sample should list a key slot for every provider")
	}
	if cfg.AlertThresholdPercent != 80 {
		t.Errorf("Expected sample threshold 80, got %v", cfg.AlertThresholdPercent)
	}

	if err := WriteSample(path); err == nil {
		t.Error("WriteSample should not overwrite an existing file")
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg.APIKeys[types.ProviderAnthropic] = "sk-ant"
	cfg.Providers.Anthropic.Timeout = 90 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.AnthropicConfig().APIKey != "sk-ant" {
		t.Errorf("Expected saved key, got %q", loaded.AnthropicConfig().APIKey)
	}
	if loaded.AnthropicConfig().Timeout != 90*time.Second {
		t.Errorf("Expected saved timeout, got %v", loaded.AnthropicConfig().Timeout)
	}
}
