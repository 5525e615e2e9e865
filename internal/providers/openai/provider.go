package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/quota"
	"github.com/tributary-ai/model-hopper/internal/types"
)

// DefaultModel is used when neither the request nor the config names a model
const DefaultModel = "gpt-4.1-mini"

// ErrNotConfigured is returned by SendRequest when no API key is set
var ErrNotConfigured = errors.New("OpenAI API key not configured")

// OpenAIProvider implements providers.Provider for OpenAI
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	quota  *quota.Tracker
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance. The client is
// only built when an API key is present.
func NewOpenAIProvider(config *OpenAIConfig, refreshMinutes int, logger *logrus.Logger) *OpenAIProvider {
	if config == nil {
		config = &OpenAIConfig{}
	}

	p := &OpenAIProvider{
		config: config,
		quota:  quota.NewTracker(refreshMinutes),
		logger: logger,
	}

	if config.APIKey != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		if config.OrgID != "" {
			clientConfig.OrgID = config.OrgID
		}
		if config.Timeout > 0 {
			clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
		}
		p.client = openai.NewClientWithConfig(clientConfig)
	}

	return p
}

func (p *OpenAIProvider) ID() types.ProviderID {
	return types.ProviderOpenAI
}

func (p *OpenAIProvider) DisplayName() string {
	return "OpenAI"
}

func (p *OpenAIProvider) IsConfigured() bool {
	return p.config.APIKey != ""
}

func (p *OpenAIProvider) CheckQuota(ctx context.Context) (types.QuotaState, error) {
	return p.quota.Current(), nil
}

func (p *OpenAIProvider) GetQuotaState() *types.QuotaState {
	p.quota.RefreshIfNeeded()
	return p.quota.GetState()
}

func (p *OpenAIProvider) SetQuotaState(state types.QuotaState) {
	p.quota.SetState(state)
}

// SendRequest performs a chat completion and updates quota from the
// x-ratelimit-* response headers
func (p *OpenAIProvider) SendRequest(ctx context.Context, req *types.AIRequest) (*types.AIResponse, error) {
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	model := p.resolveModel(req)
	openaiReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Temperature != nil {
		openaiReq.Temperature = float32(*req.Temperature)
		// the field is omitempty, so a literal zero would never be sent
		if *req.Temperature == 0 {
			openaiReq.Temperature = math.SmallestNonzeroFloat32
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}

	if state, ok := providers.OpenAIStyleHeaders.Quota(resp.Header()); ok {
		p.quota.SetState(state)
		p.logger.WithFields(logrus.Fields{
			"provider":     p.ID(),
			"used_percent": state.UsedPercent,
		}).Debug("Quota updated from response headers")
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &types.AIResponse{
		Text:     strings.TrimSpace(text),
		Provider: p.ID(),
		Model:    model,
	}, nil
}

func (p *OpenAIProvider) resolveModel(req *types.AIRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return DefaultModel
}

var _ providers.Provider = (*OpenAIProvider)(nil)
