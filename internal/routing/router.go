package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/types"
)

const tracerName = "github.com/tributary-ai/model-hopper/internal/routing"

// ErrNoProvidersAvailable is returned when no candidate ever reached a send
// attempt (all unknown, unconfigured or over quota)
var ErrNoProvidersAvailable = errors.New("no providers available")

// Router walks a prioritized provider list and fails over to the next
// provider on skip or error
type Router struct {
	mu        sync.RWMutex
	providers map[types.ProviderID]providers.Provider
	order     []types.ProviderID // registration order
	logger    *logrus.Logger
	tracer    trace.Tracer
}

// NewRouter creates a new router instance
func NewRouter(logger *logrus.Logger) *Router {
	return &Router{
		providers: make(map[types.ProviderID]providers.Provider),
		order:     make([]types.ProviderID, 0),
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// RegisterProvider adds a provider under its own id, replacing any previous
// provider with the same id
func (r *Router) RegisterProvider(provider providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.register(provider)
}

func (r *Router) register(provider providers.Provider) {
	id := provider.ID()
	if _, exists := r.providers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.providers[id] = provider

	r.logger.WithFields(logrus.Fields{
		"provider":   id,
		"configured": provider.IsConfigured(),
	}).Info("Provider registered")
}

// SetProviders replaces the whole pool. Requests already in flight keep the
// pool they started with.
func (r *Router) SetProviders(pool ...providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[types.ProviderID]providers.Provider, len(pool))
	r.order = make([]types.ProviderID, 0, len(pool))
	for _, provider := range pool {
		r.register(provider)
	}
}

// GetProvider returns a provider by id
func (r *Router) GetProvider(id types.ProviderID) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[id]
	return provider, exists
}

// ListProviders returns all registered provider ids in registration order
func (r *Router) ListProviders() []types.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.ProviderID, len(r.order))
	copy(ids, r.order)
	return ids
}

// Providers returns the registered providers in registration order
func (r *Router) Providers() []providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]providers.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

func (r *Router) snapshot() map[types.ProviderID]providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool := make(map[types.ProviderID]providers.Provider, len(r.providers))
	for id, provider := range r.providers {
		pool[id] = provider
	}
	return pool
}

// RouteRequest sends req to the first usable provider in the override
// adjusted priority order. Candidates are tried one at a time; the first
// success wins. When every candidate is skipped or fails, the most recent
// send error is returned, or ErrNoProvidersAvailable if nothing was sent.
func (r *Router) RouteRequest(ctx context.Context, req *types.AIRequest, opts RoutingOptions) (*types.AIResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ordered := buildCandidateOrder(opts.PriorityOrder, opts.ManualOverride)
	pool := r.snapshot()

	ctx, span := r.tracer.Start(ctx, "routing.RouteRequest", trace.WithAttributes(
		attribute.StringSlice("routing.candidates", idStrings(ordered)),
		attribute.String("routing.manual_override", string(opts.ManualOverride)),
		attribute.Float64("routing.alert_threshold_percent", opts.AlertThresholdPercent),
	))
	defer span.End()

	var lastErr error
	attempts := 0

	switchTo := func(i int, from types.ProviderID) {
		next, ok := nextCandidate(ordered, i)
		if !ok {
			return
		}
		span.AddEvent("switch", trace.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(next)),
		))
		if opts.OnAutoSwitch != nil {
			opts.OnAutoSwitch(from, next)
		}
	}

	for i, id := range ordered {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		provider, ok := pool[id]
		if !ok {
			continue
		}
		log := r.logger.WithField("provider", id)

		if !provider.IsConfigured() {
			log.Warnf("%s not configured. Skipping.", provider.DisplayName())
			span.AddEvent("not_configured", trace.WithAttributes(attribute.String("provider", string(id))))
			continue
		}

		state, err := provider.CheckQuota(ctx)
		if err != nil {
			lastErr = r.recordFailure(provider, lastKnownQuota(provider), err)
			span.AddEvent("quota_check_failed", trace.WithAttributes(attribute.String("provider", string(id))))
			switchTo(i, id)
			continue
		}

		if isQuotaExceeded(state, opts.AlertThresholdPercent) {
			log.WithFields(logrus.Fields{
				"used_percent":      state.UsedPercent,
				"remaining_percent": state.RemainingPercent,
				"threshold_percent": opts.AlertThresholdPercent,
			}).Warnf("%s quota exceeded. Skipping.", provider.DisplayName())
			span.AddEvent("quota_exceeded", trace.WithAttributes(attribute.String("provider", string(id))))
			switchTo(i, id)
			continue
		}

		attempts++
		resp, err := provider.SendRequest(ctx, req)
		if err == nil {
			span.SetAttributes(
				attribute.String("routing.selected_provider", string(id)),
				attribute.Int("routing.attempts", attempts),
			)
			r.logger.WithFields(logrus.Fields{
				"provider":    id,
				"model":       resp.Model,
				"attempts":    attempts,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("Request routed")
			return resp, nil
		}

		lastErr = r.recordFailure(provider, state, err)
		span.AddEvent("send_failed", trace.WithAttributes(
			attribute.String("provider", string(id)),
			attribute.String("error", err.Error()),
		))
		switchTo(i, id)
	}

	if lastErr == nil {
		lastErr = ErrNoProvidersAvailable
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())

	r.logger.WithError(lastErr).WithFields(logrus.Fields{
		"candidates":  len(ordered),
		"attempts":    attempts,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Warn("All providers exhausted")

	return nil, lastErr
}

// recordFailure annotates the provider's quota with the failure. The last
// known percentages and reset time are kept; they are not re-derived from
// the error.
func (r *Router) recordFailure(provider providers.Provider, known types.QuotaState, err error) error {
	authFailed := isAuthError(err)

	annotated := types.QuotaState{
		LastUpdated:      time.Now(),
		UsedPercent:      known.UsedPercent,
		RemainingPercent: known.RemainingPercent,
		AuthFailed:       authFailed,
		LastError:        err.Error(),
	}
	if known.ResetAt != nil {
		reset := *known.ResetAt
		annotated.ResetAt = &reset
	}
	provider.SetQuotaState(annotated)

	log := r.logger.WithField("provider", provider.ID())
	if authFailed {
		log.WithError(err).Warnf("%s auth failure. Trying next provider.", provider.DisplayName())
	} else {
		log.WithError(err).Warnf("%s failed: %s", provider.DisplayName(), err.Error())
	}

	return err
}

func lastKnownQuota(provider providers.Provider) types.QuotaState {
	if state := provider.GetQuotaState(); state != nil {
		return *state
	}
	return types.QuotaState{UsedPercent: 0, RemainingPercent: 100}
}

func idStrings(ids []types.ProviderID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
