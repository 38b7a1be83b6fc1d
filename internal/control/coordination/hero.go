// Package coordination implements the HERO cascade: when the corridor's
// bottleneck is congested, downstream ramp queues restrict upstream
// ramps' metering rates so the most downstream ramp is protected first.
package coordination

import (
	"fmt"

	"github.com/argisarris/rampctl/internal/domain/model"
)

// CascadeLevel is one step of the downstream-to-upstream chain. Level i
// compares the cumulative queue of the i most-downstream ramps against
// QueueThreshold and, when exceeded, caps TargetRamp's metering rate at
// ProtectedMinRate. The target ramp is configuration, never inferred.
type CascadeLevel struct {
	TargetRamp       model.RampID
	QueueThreshold   int
	ProtectedMinRate float64
}

// Config is the process-wide coordination configuration. Levels are
// ordered strictly downstream to upstream; the order is fixed at load
// time and never recomputed from runtime measurements, so equal
// thresholds are resolved by configuration order alone.
type Config struct {
	Enabled             bool
	BottleneckRamp      model.RampID // whose mainline occupancy activates the cascade
	ActivationThreshold float64      // fraction [0,1]
	Levels              []CascadeLevel
}

// Validate checks the cascade against the configured ramp ordering
// (most downstream first). Fatal at session start per the error model.
func (c Config) Validate(ramps []model.Ramp) error {
	if !c.Enabled {
		return nil
	}
	if c.ActivationThreshold < 0 || c.ActivationThreshold > 1 {
		return fmt.Errorf("coordination: activation_threshold %.3f outside [0,1]", c.ActivationThreshold)
	}
	byID := make(map[model.RampID]model.Ramp, len(ramps))
	for _, r := range ramps {
		byID[r.ID] = r
	}
	if _, ok := byID[c.BottleneckRamp]; !ok {
		return fmt.Errorf("coordination: bottleneck ramp %q is not a configured ramp", c.BottleneckRamp)
	}
	if len(c.Levels) >= len(ramps) {
		return fmt.Errorf("coordination: %d cascade levels for %d ramps; level i restricts the ramp upstream of the first i, so at most %d levels are possible",
			len(c.Levels), len(ramps), len(ramps)-1)
	}
	prevPos := -1
	for i, lvl := range c.Levels {
		target, ok := byID[lvl.TargetRamp]
		if !ok {
			return fmt.Errorf("coordination: cascade level %d targets unknown ramp %q", i+1, lvl.TargetRamp)
		}
		if target.Position <= prevPos {
			return fmt.Errorf("coordination: cascade level %d target %q is not strictly upstream of level %d's target", i+1, lvl.TargetRamp, i)
		}
		prevPos = target.Position
		if lvl.QueueThreshold < 0 {
			return fmt.Errorf("coordination: cascade level %d (%q) has negative queue threshold", i+1, lvl.TargetRamp)
		}
		if lvl.ProtectedMinRate < 0 || lvl.ProtectedMinRate > 1 {
			return fmt.Errorf("coordination: cascade level %d (%q) protected_min_rate %.2f outside [0,1]", i+1, lvl.TargetRamp, lvl.ProtectedMinRate)
		}
	}
	return nil
}

// Restriction reports that a cascade level clamped one ramp this tick.
type Restriction struct {
	Level       int // 1-based cascade level
	Ramp        model.RampID
	CappedAt    float64
	CumulQueue  int
	QueueThresh int
}

// Apply evaluates the cascade against one tick's snapshot. rates maps
// each ramp to its local (post-ALINEA, pre-override) metering rate and
// is not mutated; queues maps each ramp to its standing queue; ramps
// must be ordered most downstream first. Apply is a pure function of
// its inputs: the cascade holds no state across ticks.
//
// When the bottleneck occupancy is at or below the activation threshold
// the cascade is inactive and the local rates pass through untouched.
// Otherwise level i (1-based) sums the queues of ramps[0:i] and, if the
// sum exceeds the level's threshold, caps the level's target ramp at
// its protected minimum rate. Increasing a downstream queue can only
// lower an upstream ramp's rate, never raise it.
func Apply(
	cfg Config,
	ramps []model.Ramp,
	rates map[model.RampID]float64,
	queues map[model.RampID]int,
	bottleneckOccupancy float64,
) (map[model.RampID]float64, []Restriction) {
	out := make(map[model.RampID]float64, len(rates))
	for id, r := range rates {
		out[id] = r
	}
	if !cfg.Enabled || bottleneckOccupancy <= cfg.ActivationThreshold {
		return out, nil
	}

	var restrictions []Restriction
	cumulative := 0
	for i, lvl := range cfg.Levels {
		cumulative += queues[ramps[i].ID]
		if cumulative <= lvl.QueueThreshold {
			continue
		}
		if capped := lvl.ProtectedMinRate; out[lvl.TargetRamp] > capped {
			out[lvl.TargetRamp] = capped
			restrictions = append(restrictions, Restriction{
				Level:       i + 1,
				Ramp:        lvl.TargetRamp,
				CappedAt:    capped,
				CumulQueue:  cumulative,
				QueueThresh: lvl.QueueThreshold,
			})
		}
	}
	return out, restrictions
}
