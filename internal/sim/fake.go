package sim

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scriptable in-memory Collaborator for tests. Occupancy and
// queue readings can be swapped between steps; every actuation is
// recorded for assertions.
type Fake struct {
	mu sync.Mutex

	Step      float64 // base time step, defaults to 1s
	EndAfter  float64 // simulated seconds before AdvanceOneStep reports the end
	connected bool
	now       float64

	occupancy map[string]float64 // per sensor
	queues    map[string]int     // per queue sensor
	failures  map[string]int     // remaining injected failures per op name

	Phases []PhaseCommand
}

// PhaseCommand is one recorded SetSignalPhase call.
type PhaseCommand struct {
	SignalID string
	GreenSec float64
	RedSec   float64
	AtTime   float64
}

func NewFake() *Fake {
	return &Fake{
		Step:      1.0,
		EndAfter:  1 << 20,
		occupancy: make(map[string]float64),
		queues:    make(map[string]int),
		failures:  make(map[string]int),
	}
}

// SetTime moves the simulation clock, for sessions that attach to a
// scenario already in progress. EndAfter stays absolute.
func (f *Fake) SetTime(now float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetOccupancy sets the reading a sensor will report until changed.
func (f *Fake) SetOccupancy(sensorID string, occ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupancy[sensorID] = occ
}

// SetQueue sets the standing queue a ramp's detector reports.
func (f *Fake) SetQueue(queueSensorID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queueSensorID] = n
}

// FailNext makes the next n calls of the named op ("occupancy",
// "queue", "phase", "step") return an error.
func (f *Fake) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *Fake) failed(op string) bool {
	if f.failures[op] > 0 {
		f.failures[op]--
		return true
	}
	return false
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return fmt.Errorf("fake: already connected")
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) AdvanceOneStep(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed("step") {
		return fmt.Errorf("fake: injected step failure")
	}
	if f.now >= f.EndAfter {
		return ErrSimulationEnded
	}
	f.now += f.Step
	return nil
}

func (f *Fake) CurrentTime(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *Fake) StepLength(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Step, nil
}

func (f *Fake) GetOccupancy(_ context.Context, sensorIDs []string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed("occupancy") {
		return nil, fmt.Errorf("fake: injected occupancy failure")
	}
	out := make([]float64, len(sensorIDs))
	for i, id := range sensorIDs {
		out[i] = f.occupancy[id]
	}
	return out, nil
}

func (f *Fake) GetQueueLength(_ context.Context, queueSensorID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed("queue") {
		return 0, fmt.Errorf("fake: injected queue failure")
	}
	return f.queues[queueSensorID], nil
}

func (f *Fake) SetSignalPhase(_ context.Context, signalID string, greenSec, redSec float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed("phase") {
		return fmt.Errorf("fake: injected phase failure")
	}
	f.Phases = append(f.Phases, PhaseCommand{
		SignalID: signalID,
		GreenSec: greenSec,
		RedSec:   redSec,
		AtTime:   f.now,
	})
	return nil
}
