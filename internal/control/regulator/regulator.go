// Package regulator implements the ALINEA local feedback law: a
// discrete-time integral controller that nudges a ramp's inflow rate
// toward a target mainline occupancy.
package regulator

import "fmt"

// Config holds the process-wide ALINEA parameters. Read-only after load.
type Config struct {
	TargetOccupancy float64 // fraction [0,1]
	Gain            float64 // K_R, veh/h per unit of occupancy error
	FlowMin         float64 // veh/h
	FlowMax         float64 // veh/h
}

func (c Config) Validate() error {
	if c.FlowMin > c.FlowMax {
		return fmt.Errorf("regulator: flow_min %.1f exceeds flow_max %.1f", c.FlowMin, c.FlowMax)
	}
	if c.TargetOccupancy < 0 || c.TargetOccupancy > 1 {
		return fmt.Errorf("regulator: target_occupancy %.3f outside [0,1]", c.TargetOccupancy)
	}
	if c.Gain <= 0 {
		return fmt.Errorf("regulator: gain must be positive, got %.3f", c.Gain)
	}
	return nil
}

// SeedFlowRate is the integrator seed for a fresh controller state:
// the midpoint of the admissible flow band.
func (c Config) SeedFlowRate() float64 {
	return (c.FlowMin + c.FlowMax) / 2
}

// Step advances the integrator one control tick.
//
//	flow = prevFlow + K_R * (target - measured)
//
// The returned value is clamped to [FlowMin, FlowMax]; the caller must
// persist the clamped value as the next PreviousFlowRate so the
// integrator cannot wind up beyond the actuator's range.
func Step(cfg Config, prevFlowRate, measuredOccupancy float64) float64 {
	flow := prevFlowRate + cfg.Gain*(cfg.TargetOccupancy-measuredOccupancy)
	return Clamp(flow, cfg.FlowMin, cfg.FlowMax)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
