package model

// Measurement is one ramp's sensor snapshot for a single control tick.
// It is consumed within the tick that produced it and never retained.
type Measurement struct {
	Ramp        RampID
	Occupancy   float64 // fraction [0,1], averaged across mainline lanes
	QueueLength int     // standing vehicles on the ramp
	Valid       bool    // false when the pull failed or the data is unusable
	Clamped     bool    // occupancy was outside [0,1] and got clamped
}

// AverageOccupancy folds per-lane occupancy fractions into a single
// mainline value. An empty slice yields an invalid measurement upstream,
// not a zero here.
func AverageOccupancy(lanes []float64) float64 {
	if len(lanes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range lanes {
		sum += v
	}
	return sum / float64(len(lanes))
}
