package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/quota"
	"github.com/tributary-ai/model-hopper/internal/types"
)

const (
	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "gemini-1.5-pro"

	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 120 * time.Second
)

// ErrNotConfigured is returned by SendRequest when no API key is set
var ErrNotConfigured = errors.New("Gemini API key not configured")

// GeminiProvider implements providers.Provider for Google Gemini
type GeminiProvider struct {
	httpClient *http.Client
	config     *GeminiConfig
	quota      *quota.Tracker
	logger     *logrus.Logger
}

// GeminiConfig holds Gemini-specific configuration
type GeminiConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content content `json:"content"`
}

// NewGeminiProvider creates a new Gemini provider instance
func NewGeminiProvider(config *GeminiConfig, refreshMinutes int, logger *logrus.Logger) *GeminiProvider {
	if config == nil {
		config = &GeminiConfig{}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &GeminiProvider{
		httpClient: &http.Client{Timeout: timeout},
		config:     config,
		quota:      quota.NewTracker(refreshMinutes),
		logger:     logger,
	}
}

func (p *GeminiProvider) ID() types.ProviderID {
	return types.ProviderGemini
}

func (p *GeminiProvider) DisplayName() string {
	return "Gemini"
}

func (p *GeminiProvider) IsConfigured() bool {
	return p.config.APIKey != ""
}

func (p *GeminiProvider) CheckQuota(ctx context.Context) (types.QuotaState, error) {
	return p.quota.Current(), nil
}

func (p *GeminiProvider) GetQuotaState() *types.QuotaState {
	p.quota.RefreshIfNeeded()
	return p.quota.GetState()
}

func (p *GeminiProvider) SetQuotaState(state types.QuotaState) {
	p.quota.SetState(state)
}

// SendRequest calls models/{model}:generateContent. The public Gemini API
// reports no request counters; gateways in front of it that emit the
// x-ratelimit-* family still update quota.
func (p *GeminiProvider) SendRequest(ctx context.Context, req *types.AIRequest) (*types.AIResponse, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	model := p.resolveModel(req)
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL(), url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.config.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.WithError(err).Error("Gemini API call failed")
		return nil, fmt.Errorf("gemini api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		p.logger.WithError(err).Error("Gemini API call failed")
		return nil, err
	}

	var geminiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}

	if state, ok := providers.OpenAIStyleHeaders.Quota(resp.Header); ok {
		p.quota.SetState(state)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	var text strings.Builder
	for _, pt := range geminiResp.Candidates[0].Content.Parts {
		text.WriteString(pt.Text)
	}

	return &types.AIResponse{
		Text:     strings.TrimSpace(text.String()),
		Provider: p.ID(),
		Model:    model,
	}, nil
}

func (p *GeminiProvider) mapRequest(req *types.AIRequest) generateRequest {
	out := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Prompt}}},
		},
	}
	if req.Temperature != nil {
		temperature := *req.Temperature
		out.GenerationConfig = &generationConfig{Temperature: &temperature}
	}
	return out
}

func (p *GeminiProvider) resolveModel(req *types.AIRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return DefaultModel
}

func (p *GeminiProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return strings.TrimRight(p.config.BaseURL, "/")
	}
	return defaultBaseURL
}

var _ providers.Provider = (*GeminiProvider)(nil)
