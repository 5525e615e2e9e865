package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/quota"
	"github.com/tributary-ai/model-hopper/internal/types"
)

const (
	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "claude-3-5-sonnet-latest"

	// Anthropic requires max_tokens on every message request
	defaultMaxTokens = 1024
)

// ErrNotConfigured is returned by SendRequest when no API key is set
var ErrNotConfigured = errors.New("Anthropic API key not configured")

// RateLimitHeaders are the anthropic-ratelimit-requests-* response headers.
// The reset header is an RFC 3339 timestamp.
var RateLimitHeaders = providers.RateLimitHeaders{
	Remaining:  "anthropic-ratelimit-requests-remaining",
	Limit:      "anthropic-ratelimit-requests-limit",
	Reset:      "anthropic-ratelimit-requests-reset",
	ParseReset: providers.ParseResetTimestamp,
}

// AnthropicProvider implements providers.Provider for Anthropic Claude
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	quota  *quota.Tracker
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, refreshMinutes int, logger *logrus.Logger) *AnthropicProvider {
	if config == nil {
		config = &AnthropicConfig{}
	}

	p := &AnthropicProvider{
		config: config,
		quota:  quota.NewTracker(refreshMinutes),
		logger: logger,
	}

	if config.APIKey != "" {
		// failover moves on to the next provider, so the SDK must not retry
		opts := []option.RequestOption{
			option.WithAPIKey(config.APIKey),
			option.WithMaxRetries(0),
		}
		if config.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(config.BaseURL))
		}
		if config.Timeout > 0 {
			opts = append(opts, option.WithRequestTimeout(config.Timeout))
		}

		client := anthropic.NewClient(opts...)
		p.client = &client
	}

	return p
}

func (p *AnthropicProvider) ID() types.ProviderID {
	return types.ProviderAnthropic
}

func (p *AnthropicProvider) DisplayName() string {
	return "Claude"
}

func (p *AnthropicProvider) IsConfigured() bool {
	return p.config.APIKey != ""
}

func (p *AnthropicProvider) CheckQuota(ctx context.Context) (types.QuotaState, error) {
	return p.quota.Current(), nil
}

func (p *AnthropicProvider) GetQuotaState() *types.QuotaState {
	p.quota.RefreshIfNeeded()
	return p.quota.GetState()
}

func (p *AnthropicProvider) SetQuotaState(state types.QuotaState) {
	p.quota.SetState(state)
}

// SendRequest sends a single user message and updates quota from the
// anthropic-ratelimit-* response headers
func (p *AnthropicProvider) SendRequest(ctx context.Context, req *types.AIRequest) (*types.AIResponse, error) {
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	model := p.resolveModel(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	var httpResp *http.Response
	resp, err := p.client.Messages.New(ctx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		p.logger.WithError(err).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	if httpResp != nil {
		if state, ok := RateLimitHeaders.Quota(httpResp.Header); ok {
			p.quota.SetState(state)
			p.logger.WithFields(logrus.Fields{
				"provider":     p.ID(),
				"used_percent": state.UsedPercent,
			}).Debug("Quota updated from response headers")
		}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.AIResponse{
		Text:     strings.TrimSpace(text.String()),
		Provider: p.ID(),
		Model:    model,
	}, nil
}

func (p *AnthropicProvider) resolveModel(req *types.AIRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return DefaultModel
}

var _ providers.Provider = (*AnthropicProvider)(nil)
