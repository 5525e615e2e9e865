package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-hopper/internal/types"
)

func TestFromUsage_Clamps(t *testing.T) {
	tests := []struct {
		name          string
		used          float64
		wantUsed      float64
		wantRemaining float64
	}{
		{name: "over 100", used: 150, wantUsed: 100, wantRemaining: 0},
		{name: "negative", used: -5, wantUsed: 0, wantRemaining: 100},
		{name: "in range", used: 42, wantUsed: 42, wantRemaining: 58},
		{name: "upper bound", used: 100, wantUsed: 100, wantRemaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := FromUsage(tt.used, nil, "")
			assert.Equal(t, tt.wantUsed, state.UsedPercent)
			assert.Equal(t, tt.wantRemaining, state.RemainingPercent)
			assert.Equal(t, float64(100), state.UsedPercent+state.RemainingPercent)
			assert.WithinDuration(t, time.Now(), state.LastUpdated, time.Second)
		})
	}
}

func TestFromUsage_PassesThroughOptionalFields(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)

	state := FromUsage(10, &reset, "boom")

	require.NotNil(t, state.ResetAt)
	assert.True(t, reset.Equal(*state.ResetAt))
	assert.Equal(t, "boom", state.LastError)
	assert.False(t, state.AuthFailed)
}

func TestNewTracker_MinimumInterval(t *testing.T) {
	assert.Equal(t, time.Minute, NewTracker(0).RefreshInterval())
	assert.Equal(t, time.Minute, NewTracker(-3).RefreshInterval())
	assert.Equal(t, 60*time.Minute, NewTracker(60).RefreshInterval())
}

func TestTracker_GetSetState(t *testing.T) {
	tracker := NewTracker(60)
	assert.Nil(t, tracker.GetState())

	tracker.SetState(FromUsage(30, nil, ""))

	state := tracker.GetState()
	require.NotNil(t, state)
	assert.Equal(t, float64(30), state.UsedPercent)

	// mutating the returned copy must not leak into the tracker
	state.UsedPercent = 99
	assert.Equal(t, float64(30), tracker.GetState().UsedPercent)
}

func TestTracker_RefreshIfNeeded_ResetsStaleState(t *testing.T) {
	tracker := NewTracker(1)
	reset := time.Now().Add(time.Hour)
	tracker.SetState(types.QuotaState{
		LastUpdated:      time.Now().Add(-2 * time.Minute),
		UsedPercent:      95,
		RemainingPercent: 5,
		ResetAt:          &reset,
		AuthFailed:       true,
		LastError:        "401 unauthorized",
	})

	tracker.RefreshIfNeeded()

	state := tracker.GetState()
	require.NotNil(t, state)
	assert.Equal(t, float64(0), state.UsedPercent)
	assert.Equal(t, float64(100), state.RemainingPercent)
	assert.Nil(t, state.ResetAt)
	assert.False(t, state.AuthFailed)
	assert.Empty(t, state.LastError)
	assert.WithinDuration(t, time.Now(), state.LastUpdated, time.Second)
}

func TestTracker_RefreshIfNeeded_KeepsFreshState(t *testing.T) {
	tracker := NewTracker(60)
	tracker.SetState(FromUsage(70, nil, ""))

	tracker.RefreshIfNeeded()

	assert.Equal(t, float64(70), tracker.GetState().UsedPercent)
}

func TestTracker_RefreshIfNeeded_BoundaryIsInclusive(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(5)
	tracker.now = func() time.Time { return base.Add(5 * time.Minute) }
	tracker.SetState(types.QuotaState{LastUpdated: base, UsedPercent: 80, RemainingPercent: 20})

	tracker.RefreshIfNeeded()

	assert.Equal(t, float64(0), tracker.GetState().UsedPercent)
}

func TestTracker_RefreshIfNeeded_NoState(t *testing.T) {
	tracker := NewTracker(1)
	tracker.RefreshIfNeeded()
	assert.Nil(t, tracker.GetState())
}

func TestTracker_Current(t *testing.T) {
	t.Run("initializes full quota", func(t *testing.T) {
		tracker := NewTracker(60)

		state := tracker.Current()

		assert.Equal(t, float64(0), state.UsedPercent)
		assert.Equal(t, float64(100), state.RemainingPercent)
		require.NotNil(t, tracker.GetState(), "initial state should be stored")
	})

	t.Run("returns existing state", func(t *testing.T) {
		tracker := NewTracker(60)
		tracker.SetState(FromUsage(85, nil, ""))

		assert.Equal(t, float64(85), tracker.Current().UsedPercent)
	})

	t.Run("refreshes stale state", func(t *testing.T) {
		tracker := NewTracker(1)
		tracker.SetState(types.QuotaState{
			LastUpdated:      time.Now().Add(-10 * time.Minute),
			UsedPercent:      100,
			RemainingPercent: 0,
		})

		assert.Equal(t, float64(0), tracker.Current().UsedPercent)
	})
}
