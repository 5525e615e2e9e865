package routing

import (
	"strings"

	"github.com/tributary-ai/model-hopper/internal/types"
)

// RoutingOptions controls a single RouteRequest call. It is supplied fresh per
// request and never stored by the router.
type RoutingOptions struct {
	// PriorityOrder must already be de-duplicated
	PriorityOrder []types.ProviderID

	// AlertThresholdPercent (1..100) is the used percentage at which a
	// provider counts as over quota
	AlertThresholdPercent float64

	// ManualOverride, when set, is tried first
	ManualOverride types.ProviderID

	// OnAutoSwitch is invoked synchronously whenever the walk moves from one
	// candidate to the next. It signals "about to try", not "succeeded".
	OnAutoSwitch func(from, to types.ProviderID)
}

// authErrorMarkers are matched case-insensitively against send errors
var authErrorMarkers = []string{
	"unauthorized",
	"invalid api key",
	"authentication",
	"401",
}

// buildCandidateOrder moves the override to the front and keeps the relative
// order of the rest
func buildCandidateOrder(priority []types.ProviderID, override types.ProviderID) []types.ProviderID {
	if override == "" {
		ordered := make([]types.ProviderID, len(priority))
		copy(ordered, priority)
		return ordered
	}

	ordered := make([]types.ProviderID, 0, len(priority)+1)
	ordered = append(ordered, override)
	for _, id := range priority {
		if id != override {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// isQuotaExceeded checks both percentages. They normally agree; both are
// evaluated so a source that does not keep used+remaining at 100 still trips
// the guard.
func isQuotaExceeded(state types.QuotaState, threshold float64) bool {
	return state.UsedPercent >= threshold || state.RemainingPercent <= 100-threshold
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, marker := range authErrorMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// nextCandidate returns the id after position i, if any
func nextCandidate(ordered []types.ProviderID, i int) (types.ProviderID, bool) {
	if i+1 >= len(ordered) {
		return "", false
	}
	return ordered[i+1], true
}
