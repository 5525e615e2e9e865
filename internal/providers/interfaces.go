package providers

import (
	"context"

	"github.com/tributary-ai/model-hopper/internal/types"
)

// Provider is the contract every vendor adapter must satisfy. The router
// depends only on this interface.
type Provider interface {
	ID() types.ProviderID
	DisplayName() string

	// IsConfigured reports whether a usable credential is present. No network call.
	IsConfigured() bool

	// CheckQuota returns the tracked quota, initializing it to full quota
	// when nothing has been observed yet.
	CheckQuota(ctx context.Context) (types.QuotaState, error)
	GetQuotaState() *types.QuotaState
	SetQuotaState(state types.QuotaState)

	// SendRequest performs the vendor call and records any quota signal the
	// vendor returns alongside the response.
	SendRequest(ctx context.Context, req *types.AIRequest) (*types.AIResponse, error)
}
