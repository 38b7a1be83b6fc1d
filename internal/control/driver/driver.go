// Package driver runs the control loop: it owns the session lifecycle
// against the external simulator, pulls measurements, feeds them through
// the regulate/convert/coordinate/override pipeline, and actuates the
// ramp signals.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/argisarris/rampctl/internal/alert"
	"github.com/argisarris/rampctl/internal/circuitbreaker"
	"github.com/argisarris/rampctl/internal/control/coordination"
	"github.com/argisarris/rampctl/internal/control/regulator"
	"github.com/argisarris/rampctl/internal/control/signal"
	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/argisarris/rampctl/internal/metrics"
	"github.com/argisarris/rampctl/internal/retry"
	"github.com/argisarris/rampctl/internal/sim"
	"github.com/argisarris/rampctl/internal/store"
	storeredis "github.com/argisarris/rampctl/internal/store/redis"
	"github.com/argisarris/rampctl/internal/tracing"
)

// Invariant violations. These abort the session; a rate outside [0,1]
// after clamping or a negative phase duration means the pipeline itself
// is defective, not the data.
var (
	ErrRateOutOfRange = errors.New("metering rate outside [0,1]")
	ErrNegativeGreen  = errors.New("negative phase duration")
)

// maxConsecutiveMisses is how many ticks a ramp may go without a usable
// measurement before the driver stops metering it and holds full green.
const maxConsecutiveMisses = 3

type Phase int32

const (
	PhaseUnstarted Phase = iota
	PhaseWarmup
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "UNSTARTED"
	case PhaseWarmup:
		return "WARMUP"
	case PhaseRunning:
		return "RUNNING"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the driver's own knobs plus the pipeline stages' configs.
type Config struct {
	Regulator    regulator.Config
	Signal       signal.Config
	Coordination coordination.Config

	WarmupDuration  time.Duration // simulated time with no actuation
	ControlInterval time.Duration // simulated time between ticks

	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	MeasurementTimeout time.Duration // wall-clock budget per collaborator call
	TickFlushEvery     int           // buffered tick records per store flush
}

func (c *Config) applyDefaults() {
	if c.RetryMaxAttempts < 1 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.MeasurementTimeout <= 0 {
		c.MeasurementTimeout = 10 * time.Second
	}
	if c.TickFlushEvery <= 0 {
		c.TickFlushEvery = 20
	}
}

// Driver is single-session: construct one per Run.
type Driver struct {
	cfg    Config
	ramps  []model.Ramp
	collab sim.Collaborator

	logger  *slog.Logger
	tracer  trace.Tracer
	breaker *circuitbreaker.Breaker
	alerter alert.Alerter

	sessions  store.SessionRepository
	ticks     store.TickRepository
	publisher storeredis.EventPublisher
	stream    string

	sessionID uuid.UUID
	states    map[model.RampID]model.ControllerState

	mu     sync.Mutex
	phase  Phase
	buffer []model.TickRecord
}

func New(collab sim.Collaborator, ramps []model.Ramp, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		cfg:       cfg,
		ramps:     ramps,
		collab:    collab,
		logger:    logger.With("component", "driver"),
		tracer:    noop.NewTracerProvider().Tracer("driver"),
		alerter:   &alert.NoopAlerter{},
		sessionID: uuid.New(),
		states:    make(map[model.RampID]model.ControllerState, len(ramps)),
		phase:     PhaseUnstarted,
	}
}

func (d *Driver) WithTracer(t trace.Tracer) *Driver {
	d.tracer = t
	return d
}

func (d *Driver) WithBreaker(b *circuitbreaker.Breaker) *Driver {
	d.breaker = b
	return d
}

func (d *Driver) WithAlerter(a alert.Alerter) *Driver {
	d.alerter = a
	return d
}

func (d *Driver) WithSessionRepo(r store.SessionRepository) *Driver {
	d.sessions = r
	return d
}

func (d *Driver) WithTickRepo(r store.TickRepository) *Driver {
	d.ticks = r
	return d
}

func (d *Driver) WithPublisher(p storeredis.EventPublisher, stream string) *Driver {
	d.publisher = p
	d.stream = stream
	return d
}

func (d *Driver) SessionID() uuid.UUID {
	return d.sessionID
}

func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Driver) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
	metrics.DriverPhase.Set(float64(p))
	d.logger.Info("driver phase changed", "phase", p.String())
}

// Run drives one control session to completion. It returns nil when the
// simulation ends or the context is canceled; anything else is a defect
// or an exhausted collaborator.
func (d *Driver) Run(ctx context.Context) (runErr error) {
	if err := d.callCollab(ctx, "session.connect", func(c context.Context) error {
		return d.collab.Connect(c)
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	endReason := "simulation_ended"
	defer func() {
		d.setPhase(PhaseStopped)
		if runErr != nil {
			endReason = "error: " + runErr.Error()
		}
		d.shutdown(endReason, runErr)
	}()

	var stepLen float64
	if err := d.callCollab(ctx, "simulation.stepLength", func(c context.Context) error {
		var err error
		stepLen, err = d.collab.StepLength(c)
		return err
	}); err != nil {
		return fmt.Errorf("step length: %w", err)
	}
	stepsPerTick, err := stepsPerInterval(d.cfg.ControlInterval, stepLen)
	if err != nil {
		return err
	}

	var now float64
	if err := d.callCollab(ctx, "simulation.time", func(c context.Context) error {
		var err error
		now, err = d.collab.CurrentTime(c)
		return err
	}); err != nil {
		return fmt.Errorf("current time: %w", err)
	}

	if d.sessions != nil {
		session := &model.ControlSession{ID: d.sessionID, StartedAt: time.Now().UTC()}
		if err := d.sessions.Create(ctx, session); err != nil {
			return fmt.Errorf("create session record: %w", err)
		}
	}

	seed := d.cfg.Regulator.SeedFlowRate()
	for _, r := range d.ramps {
		d.states[r.ID] = model.NewControllerState(r.ID, seed)
	}

	d.logger.Info("control session starting",
		"session", d.sessionID.String(),
		"ramps", len(d.ramps),
		"step_length_sec", stepLen,
		"steps_per_tick", stepsPerTick,
		"warmup_sec", d.cfg.WarmupDuration.Seconds(),
	)
	d.setPhase(PhaseWarmup)

	// Warmup is elapsed simulated time since session start, not the
	// absolute simulation clock; a session may attach mid-scenario.
	warmupEnd := now + d.cfg.WarmupDuration.Seconds()
	stepsSinceTick := 0

	for {
		select {
		case <-ctx.Done():
			endReason = "context_canceled"
			return nil
		default:
		}

		err := d.callCollab(ctx, "simulation.step", func(c context.Context) error {
			return d.collab.AdvanceOneStep(c)
		})
		if errors.Is(err, sim.ErrSimulationEnded) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		now += stepLen

		if d.Phase() == PhaseWarmup {
			if now < warmupEnd {
				continue
			}
			d.setPhase(PhaseRunning)
			stepsSinceTick = 0
			continue
		}

		stepsSinceTick++
		if stepsSinceTick < stepsPerTick {
			continue
		}
		stepsSinceTick = 0

		if err := d.tick(ctx, now); err != nil {
			return err
		}
	}
}

// stepsPerInterval validates that the control interval is an integer
// multiple of the simulator base step.
func stepsPerInterval(interval time.Duration, stepLen float64) (int, error) {
	if stepLen <= 0 {
		return 0, fmt.Errorf("collaborator reported non-positive step length %.3f", stepLen)
	}
	ratio := interval.Seconds() / stepLen
	steps := int(ratio + 0.5)
	if steps < 1 || absFloat(ratio-float64(steps)) > 1e-9 {
		return 0, fmt.Errorf("control interval %.1fs is not an integer multiple of step length %.3fs", interval.Seconds(), stepLen)
	}
	return steps, nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (d *Driver) tick(ctx context.Context, simTime float64) error {
	ctx, span := tracing.StartTick(ctx, d.tracer, d.sessionID.String(), simTime)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.DriverTickLatency.Observe(time.Since(start).Seconds())
	}()
	metrics.DriverTicksTotal.Inc()

	snap, err := d.collectMeasurements(ctx)
	if err != nil {
		metrics.DriverTickErrors.Inc()
		return fmt.Errorf("collect measurements: %w", err)
	}

	planCfg := PlanConfig{
		Regulator:    d.cfg.Regulator,
		Signal:       d.cfg.Signal,
		Coordination: d.cfg.Coordination,
	}
	decisions, next, err := ComputePlans(planCfg, d.ramps, d.states, snap)
	if err != nil {
		metrics.DriverTickErrors.Inc()
		return fmt.Errorf("sim time %.1f: %w", simTime, err)
	}

	// Actuation is strictly sequential in corridor order.
	for _, r := range d.ramps {
		dec := decisions[r.ID]
		signalID := r.SignalID
		if err := d.callCollab(ctx, "signal.setPhase", func(c context.Context) error {
			return d.collab.SetSignalPhase(c, signalID, dec.GreenSec, dec.RedSec)
		}); err != nil {
			metrics.DriverTickErrors.Inc()
			return fmt.Errorf("actuate %s: %w", r.ID, err)
		}
	}

	d.states = next
	d.observe(ctx, simTime, snap, decisions)
	return nil
}

// collectMeasurements pulls every ramp's sensors concurrently. A failed
// pull degrades that ramp's measurement rather than failing the tick;
// only an open circuit breaker escalates.
func (d *Driver) collectMeasurements(ctx context.Context) (sim.Snapshot, error) {
	snap := make(sim.Snapshot, len(d.ramps))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, ramp := range d.ramps {
		ramp := ramp
		g.Go(func() error {
			m, err := d.pullMeasurement(gctx, ramp)
			if err != nil {
				return err
			}
			mu.Lock()
			snap[ramp.ID] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Driver) pullMeasurement(ctx context.Context, ramp model.Ramp) (model.Measurement, error) {
	m := model.Measurement{Ramp: ramp.ID}

	var lanes []float64
	occErr := d.callCollab(ctx, "detector.occupancy", func(c context.Context) error {
		var err error
		lanes, err = d.collab.GetOccupancy(c, ramp.SensorIDs)
		return err
	})

	var queue int
	queueErr := d.callCollab(ctx, "detector.queueLength", func(c context.Context) error {
		var err error
		queue, err = d.collab.GetQueueLength(c, ramp.QueueSensorID)
		return err
	})

	for _, err := range []error{occErr, queueErr} {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return m, err
		}
	}

	if occErr != nil || queueErr != nil || len(lanes) == 0 || queue < 0 {
		d.logger.Warn("degraded measurement",
			"ramp", ramp.ID,
			"occupancy_error", occErr,
			"queue_error", queueErr,
		)
		metrics.DegradedMeasurementsTotal.WithLabelValues(ramp.ID.String()).Inc()
		return m, nil // Valid stays false
	}

	raw := model.AverageOccupancy(lanes)
	occ := raw
	if occ < 0 {
		occ = 0
		m.Clamped = true
	} else if occ > 1 {
		occ = 1
		m.Clamped = true
	}
	if m.Clamped {
		d.logger.Warn("occupancy outside [0,1], clamped",
			"ramp", ramp.ID,
			"raw", raw,
			"clamped", occ,
		)
		metrics.ClampedMeasurementsTotal.WithLabelValues(ramp.ID.String()).Inc()
	}

	m.Occupancy = occ
	m.QueueLength = queue
	m.Valid = true
	return m, nil
}

// callCollab wraps one collaborator call with the circuit breaker, the
// transient/terminal classifier, and bounded linear backoff.
func (d *Driver) callCollab(ctx context.Context, method string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryMaxAttempts; attempt++ {
		if d.breaker != nil {
			if err := d.breaker.Allow(); err != nil {
				return fmt.Errorf("%s: %w", method, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.MeasurementTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil || errors.Is(err, sim.ErrSimulationEnded) {
			if d.breaker != nil {
				d.breaker.RecordSuccess()
			}
			metrics.CollaboratorCallsTotal.WithLabelValues(method, "ok").Inc()
			return err
		}

		metrics.CollaboratorCallsTotal.WithLabelValues(method, "error").Inc()
		if d.breaker != nil {
			d.breaker.RecordFailure()
		}
		lastErr = err

		decision := retry.Classify(err)
		if !decision.IsTransient() {
			return fmt.Errorf("%s: %w", method, err)
		}
		if attempt == d.cfg.RetryMaxAttempts {
			break
		}

		metrics.CollaboratorRetriesTotal.WithLabelValues(method).Inc()
		d.logger.Warn("collaborator call retrying",
			"method", method,
			"attempt", attempt,
			"reason", decision.Reason,
			"error", err,
		)
		select {
		case <-time.After(time.Duration(attempt) * d.cfg.RetryBaseDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", method, d.cfg.RetryMaxAttempts, lastErr)
}

// observe records the tick: metrics, audit buffer, event stream, alerts.
func (d *Driver) observe(ctx context.Context, simTime float64, snap sim.Snapshot, decisions map[model.RampID]RampDecision) {
	coordActive := false

	for _, r := range d.ramps {
		dec := decisions[r.ID]
		id := r.ID.String()

		metrics.RegulatorFlowRate.WithLabelValues(id).Set(dec.FlowRate)
		metrics.AppliedMeteringRate.WithLabelValues(id).Set(dec.AppliedRate)
		if dec.Coordinated {
			coordActive = true
			metrics.CoordinationRestrictionsTotal.WithLabelValues(id).Inc()
		}
		if dec.Overridden {
			metrics.OverrideActivationsTotal.WithLabelValues(id).Inc()
			d.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeQueueOverride,
				Ramp:    id,
				Session: d.sessionID.String(),
				Title:   "Queue spillback override engaged",
				Message: fmt.Sprintf("queue %d exceeds maximum %d, holding full green", snap[r.ID].QueueLength, r.QueueMax),
			})
		}
		if dec.ForcedOpen {
			metrics.MissedTickFallbacksTotal.WithLabelValues(id).Inc()
		}
		if dec.Degraded {
			d.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeDegraded,
				Ramp:    id,
				Session: d.sessionID.String(),
				Title:   "Measurement degraded",
				Message: fmt.Sprintf("no usable measurement at sim time %.1f, retaining previous rate", simTime),
			})
		}

		m := snap[r.ID]
		d.bufferTick(ctx, model.TickRecord{
			SessionID:   d.sessionID,
			SimTime:     simTime,
			Ramp:        r.ID,
			Occupancy:   m.Occupancy,
			QueueLength: m.QueueLength,
			FlowRate:    dec.FlowRate,
			LocalRate:   dec.LocalRate,
			AppliedRate: dec.AppliedRate,
			GreenSec:    dec.GreenSec,
			RedSec:      dec.RedSec,
			Coordinated: dec.Coordinated,
			Overridden:  dec.Overridden,
			Degraded:    dec.Degraded,
		})

		if d.publisher != nil {
			event := map[string]any{
				"session":   d.sessionID.String(),
				"sim_time":  simTime,
				"ramp":      id,
				"rate":      dec.AppliedRate,
				"green_sec": dec.GreenSec,
				"red_sec":   dec.RedSec,
			}
			if err := d.publisher.PublishJSON(ctx, d.stream, event); err != nil {
				d.logger.Warn("signal event publish failed", "ramp", id, "error", err)
			}
		}

		d.logger.Debug("tick decision",
			"ramp", id,
			"sim_time", simTime,
			"occupancy", m.Occupancy,
			"queue", m.QueueLength,
			"flow_rate", dec.FlowRate,
			"applied_rate", dec.AppliedRate,
			"coordinated", dec.Coordinated,
			"overridden", dec.Overridden,
			"degraded", dec.Degraded,
		)
	}

	if coordActive {
		metrics.CoordinationActive.Set(1)
	} else {
		metrics.CoordinationActive.Set(0)
	}
}

func (d *Driver) bufferTick(ctx context.Context, rec model.TickRecord) {
	if d.ticks == nil {
		return
	}
	d.mu.Lock()
	d.buffer = append(d.buffer, rec)
	flush := len(d.buffer) >= d.cfg.TickFlushEvery
	d.mu.Unlock()
	if flush {
		d.flushTicks(ctx)
	}
}

func (d *Driver) flushTicks(ctx context.Context) {
	if d.ticks == nil {
		return
	}
	d.mu.Lock()
	batch := d.buffer
	d.buffer = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := d.ticks.InsertBatch(ctx, batch); err != nil {
		d.logger.Error("tick log flush failed", "rows", len(batch), "error", err)
	}
}

func (d *Driver) sendAlert(ctx context.Context, a alert.Alert) {
	if err := d.alerter.Send(ctx, a); err != nil {
		d.logger.Warn("alert dispatch failed", "type", a.Type, "error", err)
	}
}

// shutdown runs on every exit path: final tick-log flush, session close,
// collaborator disconnect. Uses a fresh context since the run context
// may already be canceled.
func (d *Driver) shutdown(endReason string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d.flushTicks(ctx)

	if d.sessions != nil {
		if err := d.sessions.Close(ctx, d.sessionID, time.Now().UTC(), endReason); err != nil {
			d.logger.Error("session close failed", "error", err)
		}
	}

	if err := d.collab.Disconnect(ctx); err != nil {
		d.logger.Error("collaborator disconnect failed", "error", err)
	}

	if errors.Is(runErr, circuitbreaker.ErrCircuitOpen) {
		d.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeBreakerOpen,
			Session: d.sessionID.String(),
			Title:   "Collaborator circuit breaker open",
			Message: "consecutive collaborator failures tripped the breaker, stopping the session",
		})
	}

	if endReason != "simulation_ended" && endReason != "context_canceled" {
		d.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeSessionEnded,
			Session: d.sessionID.String(),
			Title:   "Control session terminated",
			Message: endReason,
		})
	}

	d.logger.Info("control session stopped", "session", d.sessionID.String(), "reason", endReason)
}
