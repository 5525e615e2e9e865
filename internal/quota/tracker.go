// Package quota keeps the per-provider usage snapshot the router consults
// before sending a request.
package quota

import (
	"math"
	"sync"
	"time"

	"github.com/tributary-ai/model-hopper/internal/types"
)

// Tracker holds the most recent quota snapshot for a single provider.
//
// Writes are last-writer-wins. The mutex only keeps reads and writes memory
// safe; concurrent requests may still overwrite each other's snapshot.
type Tracker struct {
	mu       sync.RWMutex
	state    *types.QuotaState
	interval time.Duration
	now      func() time.Time
}

// NewTracker creates a tracker whose snapshots go stale after refreshMinutes.
// Values below one minute are raised to one minute.
func NewTracker(refreshMinutes int) *Tracker {
	if refreshMinutes < 1 {
		refreshMinutes = 1
	}
	return &Tracker{
		interval: time.Duration(refreshMinutes) * time.Minute,
		now:      time.Now,
	}
}

// RefreshInterval returns the staleness window
func (t *Tracker) RefreshInterval() time.Duration {
	return t.interval
}

// GetState returns a copy of the current snapshot, or nil if none was recorded yet
func (t *Tracker) GetState() *types.QuotaState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.state == nil {
		return nil
	}
	state := t.state.Clone()
	return &state
}

// SetState overwrites the snapshot unconditionally
func (t *Tracker) SetState(state types.QuotaState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := state.Clone()
	t.state = &s
}

// RefreshIfNeeded assumes the quota renewed once the refresh interval has
// elapsed since the last update. The vendor is not re-queried.
func (t *Tracker) RefreshIfNeeded() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return
	}
	now := t.now()
	if now.Sub(t.state.LastUpdated) >= t.interval {
		t.state = &types.QuotaState{
			LastUpdated:      now,
			UsedPercent:      0,
			RemainingPercent: 100,
		}
	}
}

// Current refreshes a stale snapshot and returns it. When nothing has been
// recorded yet the provider is assumed to have its full quota, and that
// assumption is stored.
func (t *Tracker) Current() types.QuotaState {
	t.RefreshIfNeeded()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		initial := FromUsage(0, nil, "")
		t.state = &initial
	}
	return t.state.Clone()
}

// FromUsage builds a freshly observed snapshot. usedPercent is clamped to [0,100].
func FromUsage(usedPercent float64, resetAt *time.Time, lastError string) types.QuotaState {
	used := usedPercent
	if math.IsNaN(used) || used < 0 {
		used = 0
	}
	if used > 100 {
		used = 100
	}

	state := types.QuotaState{
		LastUpdated:      time.Now(),
		UsedPercent:      used,
		RemainingPercent: 100 - used,
		LastError:        lastError,
	}
	if resetAt != nil {
		reset := *resetAt
		state.ResetAt = &reset
	}
	return state
}
