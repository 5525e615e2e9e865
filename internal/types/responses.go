package types

import (
	"time"
)

// AIResponse is what a provider returns for a routed request
type AIResponse struct {
	Text     string     `json:"text"`
	Provider ProviderID `json:"provider"`
	Model    string     `json:"model,omitempty"`
}

// QuotaState is the last known usage snapshot for a provider. It is advisory,
// not billing accurate. UsedPercent+RemainingPercent is 100 when the state is
// built; failure handling may later annotate AuthFailed/LastError without
// recomputing the percentages.
type QuotaState struct {
	LastUpdated      time.Time  `json:"last_updated"`
	UsedPercent      float64    `json:"used_percent"`
	RemainingPercent float64    `json:"remaining_percent"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	AuthFailed       bool       `json:"auth_failed,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers never share the ResetAt pointer
func (q QuotaState) Clone() QuotaState {
	out := q
	if q.ResetAt != nil {
		reset := *q.ResetAt
		out.ResetAt = &reset
	}
	return out
}

// ErrorResponse is the JSON error envelope used by the HTTP service
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}
