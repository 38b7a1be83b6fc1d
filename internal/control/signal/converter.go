// Package signal converts a bounded flow-rate command into a
// discretized green/red split for a fixed-duration signal cycle.
package signal

import (
	"fmt"
	"math"
)

// tieEpsilon absorbs float rounding at step boundaries so that a raw
// rate landing exactly on a half step (0.25, 0.35, ...) rounds up, as
// the discretization contract requires, regardless of how the raw
// value was computed.
const tieEpsilon = 1e-9

// Config holds the rate-to-signal parameters. Read-only after load.
type Config struct {
	VehicleAcceptanceTime float64 // seconds one vehicle needs to clear the meter
	CycleDuration         float64 // seconds per signal cycle
	RateStep              float64 // metering rate discretization, typically 0.1
}

func (c Config) Validate() error {
	if c.CycleDuration <= 0 {
		return fmt.Errorf("signal: cycle_duration must be positive, got %.1f", c.CycleDuration)
	}
	if c.VehicleAcceptanceTime <= 0 {
		return fmt.Errorf("signal: vehicle_acceptance_time must be positive, got %.1f", c.VehicleAcceptanceTime)
	}
	if c.RateStep <= 0 || c.RateStep > 1 {
		return fmt.Errorf("signal: rate_step %.2f outside (0,1]", c.RateStep)
	}
	return nil
}

// MeteringRate maps a flow rate in veh/h to a metering rate: the green
// share of the cycle needed to release that flow, given the per-vehicle
// acceptance time. The raw share is flow/3600 * acceptanceTime; it is
// then snapped to the configured step (ties round up) and clamped to
// [0,1]. Pure: identical inputs always produce the identical rate.
func MeteringRate(cfg Config, flowRate float64) float64 {
	raw := flowRate / 3600.0 * cfg.VehicleAcceptanceTime
	stepped := math.Floor(raw/cfg.RateStep+0.5+tieEpsilon) * cfg.RateStep
	// Re-snap to kill accumulated float error (0.30000000000000004 -> 0.3).
	stepped = math.Round(stepped/cfg.RateStep) * cfg.RateStep
	if stepped < 0 {
		return 0
	}
	if stepped > 1 {
		return 1
	}
	return stepped
}

// Split turns a metering rate into the green/red durations for one
// cycle. Green + red equals the cycle duration exactly.
func Split(cfg Config, rate float64) (greenSec, redSec float64) {
	greenSec = rate * cfg.CycleDuration
	redSec = cfg.CycleDuration - greenSec
	return greenSec, redSec
}
