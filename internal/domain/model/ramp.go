package model

// RampID identifies an on-ramp within a corridor.
type RampID string

func (r RampID) String() string {
	return string(r)
}

// Ramp is the immutable configuration of a single metered on-ramp.
// Position orders ramps along the mainline: 0 is the most downstream
// ramp, higher positions are further upstream.
type Ramp struct {
	ID            RampID
	Position      int
	QueueMax      int      // vehicles; queue beyond this forces full green
	SensorIDs     []string // mainline loop detectors upstream of the merge
	QueueSensorID string   // lane-area detector covering the ramp
	SignalID      string   // traffic light controlled by this ramp's meter
}

// ControllerState is the per-ramp mutable state owned by the control
// loop driver. PreviousFlowRate is the ALINEA integrator; it always
// holds the clamped value from the last tick.
type ControllerState struct {
	Ramp              RampID
	PreviousFlowRate  float64 // veh/h, within [FlowMin, FlowMax]
	CurrentRate       float64 // last applied metering rate, within [0, 1]
	ConsecutiveMisses int     // ticks in a row without a usable measurement
}

// NewControllerState seeds the integrator. The reference deployment
// seeds at the midpoint of [FlowMin, FlowMax].
func NewControllerState(ramp RampID, seedFlowRate float64) ControllerState {
	return ControllerState{
		Ramp:             ramp,
		PreviousFlowRate: seedFlowRate,
		CurrentRate:      1.0, // unmetered until the first control tick
	}
}
