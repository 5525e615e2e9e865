package types

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderID identifies one vendor backend. It is used as a map key everywhere.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGemini    ProviderID = "gemini"
)

// ErrEmptyPrompt is returned when a request carries no prompt text
var ErrEmptyPrompt = errors.New("prompt must not be empty")

// AllProviders returns every known provider in default priority order
func AllProviders() []ProviderID {
	return []ProviderID{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// ParseProviderID converts a user supplied string into a known ProviderID
func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviders() {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

func (id ProviderID) String() string {
	return string(id)
}

// AIRequest is the envelope handed to the router
type AIRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Validate checks the request before any provider is contacted
func (r *AIRequest) Validate() error {
	if r == nil || strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}
