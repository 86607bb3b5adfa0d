package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		ok       bool
	}{
		{StageInitializing, StageLoading, true},
		{StageLoading, StageProcessing, true},
		{StageProcessing, StageProcessing, true},
		{StageProcessing, StageFinalizing, true},
		{StageFinalizing, StageCompleted, true},

		{StageInitializing, StageProcessing, false},
		{StageLoading, StageInitializing, false},
		{StageCompleted, StageProcessing, false},
		{StageError, StageProcessing, false},
		{StageCancelled, StageLoading, false},
		{StageFinalizing, StageProcessing, false},

		{StageInitializing, StageError, true},
		{StageProcessing, StageError, true},
		{StageFinalizing, StageCancelled, true},
		{StageCompleted, StageError, false},
		{StageError, StageCancelled, false},

		{Stage("bogus"), StageError, false},
		{StageLoading, Stage("bogus"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageError.Terminal())
	assert.True(t, StageCancelled.Terminal())
	assert.False(t, StageProcessing.Terminal())
	assert.False(t, StageInitializing.Terminal())
}

func TestScaleProgress(t *testing.T) {
	assert.InDelta(t, 0.30, ScaleProgress(0), 1e-9)
	assert.InDelta(t, 0.60, ScaleProgress(0.5), 1e-9)
	assert.InDelta(t, 0.90, ScaleProgress(1), 1e-9)

	// Out-of-range worker fractions are clamped into the stage window.
	assert.InDelta(t, 0.30, ScaleProgress(-0.5), 1e-9)
	assert.InDelta(t, 0.90, ScaleProgress(2), 1e-9)
}

func TestBaseProgress(t *testing.T) {
	assert.InDelta(t, 0.0, StageInitializing.BaseProgress(), 1e-9)
	assert.InDelta(t, 0.20, StageLoading.BaseProgress(), 1e-9)
	assert.InDelta(t, 0.30, StageProcessing.BaseProgress(), 1e-9)
	assert.InDelta(t, 0.95, StageFinalizing.BaseProgress(), 1e-9)
	assert.InDelta(t, 1.0, StageCompleted.BaseProgress(), 1e-9)
}
