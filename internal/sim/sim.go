// Package sim defines the narrow boundary to the external microscopic
// traffic simulator. The control core only ever sees this interface:
// measurement pulls, actuation pushes, the simulation clock, and the
// session lifecycle. Everything about vehicle motion stays on the other
// side of it.
package sim

import (
	"context"
	"errors"

	"github.com/argisarris/rampctl/internal/domain/model"
)

// ErrSimulationEnded is returned by AdvanceOneStep when the simulator
// reports end-of-simulation. The driver treats it as a normal stop.
var ErrSimulationEnded = errors.New("simulation ended")

// Collaborator is the call-and-response protocol to the simulator.
// A session must be bracketed by Connect/Disconnect; leaking a session
// can deadlock the external process, so Disconnect must run even on
// error exits.
type Collaborator interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// AdvanceOneStep moves the simulation clock forward by one base
	// time step. Returns ErrSimulationEnded when the scenario is over.
	AdvanceOneStep(ctx context.Context) error
	// CurrentTime returns the simulated time in seconds.
	CurrentTime(ctx context.Context) (float64, error)
	// StepLength returns the simulator's base time step in seconds.
	StepLength(ctx context.Context) (float64, error)

	// GetOccupancy returns the last-interval occupancy fraction [0,1]
	// for each of the given mainline detectors. The core averages the
	// lanes itself.
	GetOccupancy(ctx context.Context, sensorIDs []string) ([]float64, error)
	// GetQueueLength returns the standing vehicle count on the detector
	// covering the given ramp.
	GetQueueLength(ctx context.Context, queueSensorID string) (int, error)

	// SetSignalPhase applies the green/red split for the next signal
	// cycle of the given traffic light, atomically.
	SetSignalPhase(ctx context.Context, signalID string, greenSec, redSec float64) error
}

// Snapshot bundles one tick's measurements keyed by ramp.
type Snapshot map[model.RampID]model.Measurement
