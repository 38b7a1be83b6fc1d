package driver

import (
	"fmt"

	"github.com/argisarris/rampctl/internal/control/coordination"
	"github.com/argisarris/rampctl/internal/control/regulator"
	"github.com/argisarris/rampctl/internal/control/signal"
	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/argisarris/rampctl/internal/sim"
)

// PlanConfig is the read-only configuration ComputePlans evaluates
// against. Split out so a plan can be computed without a Driver.
type PlanConfig struct {
	Regulator    regulator.Config
	Signal       signal.Config
	Coordination coordination.Config
}

// RampDecision is everything the pipeline decided for one ramp on one
// tick, from the raw regulator output to the actuated split.
type RampDecision struct {
	FlowRate    float64 // clamped ALINEA output, veh/h
	LocalRate   float64 // discretized rate before coordination
	AppliedRate float64 // final rate after coordination and override
	GreenSec    float64
	RedSec      float64
	Coordinated bool
	Overridden  bool
	Degraded    bool
	ForcedOpen  bool // consecutive misses exhausted, holding full green
}

// ComputePlans evaluates one control tick as a pure function: given the
// per-ramp states and the measurement snapshot it returns each ramp's
// decision and the successor states, mutating neither input. Stages run
// in fixed order: regulate, convert, coordinate, then the queue safety
// override last, so the override wins over everything.
//
// A ramp without a usable measurement retains its previous rate and
// leaves its integrator untouched; after maxConsecutiveMisses such
// ticks it is forced to full green. If the bottleneck ramp itself has
// no usable measurement the cascade is inactive for the tick.
func ComputePlans(
	cfg PlanConfig,
	ramps []model.Ramp,
	states map[model.RampID]model.ControllerState,
	snap sim.Snapshot,
) (map[model.RampID]RampDecision, map[model.RampID]model.ControllerState, error) {
	decisions := make(map[model.RampID]RampDecision, len(ramps))
	next := make(map[model.RampID]model.ControllerState, len(ramps))
	localRates := make(map[model.RampID]float64, len(ramps))
	queues := make(map[model.RampID]int, len(ramps))

	for _, r := range ramps {
		st := states[r.ID]
		m, ok := snap[r.ID]
		var dec RampDecision

		if !ok || !m.Valid {
			dec.Degraded = true
			st.ConsecutiveMisses++
			dec.FlowRate = st.PreviousFlowRate
			if st.ConsecutiveMisses >= maxConsecutiveMisses {
				dec.ForcedOpen = true
				localRates[r.ID] = 1.0
			} else {
				localRates[r.ID] = st.CurrentRate
			}
		} else {
			st.ConsecutiveMisses = 0
			flow := regulator.Step(cfg.Regulator, st.PreviousFlowRate, m.Occupancy)
			st.PreviousFlowRate = flow
			dec.FlowRate = flow
			localRates[r.ID] = signal.MeteringRate(cfg.Signal, flow)
			queues[r.ID] = m.QueueLength
		}

		dec.LocalRate = localRates[r.ID]
		decisions[r.ID] = dec
		next[r.ID] = st
	}

	rates := localRates
	if cfg.Coordination.Enabled {
		if bm, ok := snap[cfg.Coordination.BottleneckRamp]; ok && bm.Valid {
			var restrictions []coordination.Restriction
			rates, restrictions = coordination.Apply(cfg.Coordination, ramps, localRates, queues, bm.Occupancy)
			for _, res := range restrictions {
				dec := decisions[res.Ramp]
				dec.Coordinated = true
				decisions[res.Ramp] = dec
			}
		}
	}

	for _, r := range ramps {
		dec := decisions[r.ID]
		rate := rates[r.ID]

		if dec.ForcedOpen {
			rate = 1.0
		}
		if m, ok := snap[r.ID]; ok && m.Valid && m.QueueLength > r.QueueMax {
			rate = 1.0
			dec.Overridden = true
		}

		if rate < 0 || rate > 1 {
			return nil, nil, fmt.Errorf("ramp %s: rate %.4f: %w", r.ID, rate, ErrRateOutOfRange)
		}
		green, red := signal.Split(cfg.Signal, rate)
		if green < 0 || red < 0 {
			return nil, nil, fmt.Errorf("ramp %s: green %.2f red %.2f: %w", r.ID, green, red, ErrNegativeGreen)
		}

		dec.AppliedRate = rate
		dec.GreenSec = green
		dec.RedSec = red
		decisions[r.ID] = dec

		st := next[r.ID]
		st.CurrentRate = rate
		next[r.ID] = st
	}

	return decisions, next, nil
}
