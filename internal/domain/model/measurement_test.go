package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverageOccupancy(t *testing.T) {
	assert.Equal(t, 0.0, AverageOccupancy(nil))
	assert.Equal(t, 0.0, AverageOccupancy([]float64{}))
	assert.InDelta(t, 0.15, AverageOccupancy([]float64{0.15}), 1e-9)
	assert.InDelta(t, 0.15, AverageOccupancy([]float64{0.10, 0.20}), 1e-9)
	assert.InDelta(t, 0.20, AverageOccupancy([]float64{0.10, 0.20, 0.30}), 1e-9)
}

func TestNewControllerState(t *testing.T) {
	st := NewControllerState("THA", 900)
	assert.Equal(t, RampID("THA"), st.Ramp)
	assert.Equal(t, 900.0, st.PreviousFlowRate)
	assert.Equal(t, 1.0, st.CurrentRate, "a ramp is unmetered until its first control tick")
	assert.Equal(t, 0, st.ConsecutiveMisses)
}
