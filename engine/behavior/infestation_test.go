package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfestationAccumulatesOnlyWhenBothTriggersExceeded(t *testing.T) {
	inf := NewInfestation(DefaultInfestationConfig())

	res := inf.Tick(0.5, 0.5, 1)
	assert.True(t, res.Accumulated)
	assert.Equal(t, 2.0, res.NewCounter)

	// High rebellion alone decays.
	res = inf.Tick(0.9, 0.1, 2)
	assert.False(t, res.Accumulated)
	assert.Equal(t, 1.0, res.NewCounter)

	// Floor at zero.
	res = inf.Tick(0, 0, 3)
	res = inf.Tick(0, 0, 4)
	assert.Equal(t, 0.0, res.NewCounter)
}

func TestInfestationWarningAndPlagueHeartEdges(t *testing.T) {
	inf := NewInfestation(DefaultInfestationConfig())

	warnings, criticals := 0, 0
	var tick int64
	for inf.State().Counter < 100 {
		tick++
		res := inf.Tick(0.9, 0.9, tick)
		if res.WarningEntered {
			warnings++
		}
		if res.PlagueHeartEntered {
			criticals++
		}
	}
	assert.Equal(t, 1, warnings, "warning telemetry fires once on band entry")
	assert.Equal(t, 1, criticals, "critical telemetry fires once on plague heart entry")

	state := inf.State()
	assert.True(t, state.IsPlagueHeart)
	assert.Equal(t, 0.5, state.ThrottleMultiplier)

	// Hysteresis: staying above the clear threshold keeps the plague heart.
	tick++
	res := inf.Tick(0, 0, tick)
	assert.True(t, res.PlagueHeartActive)

	// Decay below clear threshold releases it.
	for inf.State().IsPlagueHeart {
		tick++
		res = inf.Tick(0, 0, tick)
	}
	assert.True(t, res.PlagueHeartCleared)
	assert.Equal(t, 1.0, inf.State().ThrottleMultiplier)
}

func TestCleanseRequiresPlagueHeart(t *testing.T) {
	inf := NewInfestation(DefaultInfestationConfig())
	require.ErrorIs(t, inf.Cleanse(), ErrNoPlagueHeart)

	var tick int64
	for !inf.State().IsPlagueHeart {
		tick++
		inf.Tick(0.9, 0.9, tick)
	}
	require.NoError(t, inf.Cleanse())
	state := inf.State()
	assert.Equal(t, 0.0, state.Counter)
	assert.False(t, state.IsPlagueHeart)
	assert.Equal(t, 1.0, state.ThrottleMultiplier)
}
