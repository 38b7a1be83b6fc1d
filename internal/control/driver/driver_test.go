package driver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/argisarris/rampctl/internal/alert"
	"github.com/argisarris/rampctl/internal/circuitbreaker"
	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/argisarris/rampctl/internal/metrics"
	"github.com/argisarris/rampctl/internal/sim"
	storeredis "github.com/argisarris/rampctl/internal/store/redis"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleRamp() []model.Ramp {
	return []model.Ramp{
		{ID: "THA", Position: 0, QueueMax: 20, SensorIDs: []string{"THA_occ_1"}, QueueSensorID: "THA_queue", SignalID: "tls_THA"},
	}
}

func driverConfig() Config {
	cfg := Config{
		Regulator:       planConfig().Regulator,
		Signal:          planConfig().Signal,
		WarmupDuration:  3 * time.Second,
		ControlInterval: 2 * time.Second,
		RetryMaxAttempts: 1,
		RetryBaseDelay:  time.Millisecond,
	}
	return cfg
}

// memoryTickRepo buffers InsertBatch calls for assertions.
type memoryTickRepo struct {
	mu      sync.Mutex
	batches [][]model.TickRecord
}

func (m *memoryTickRepo) InsertBatch(_ context.Context, records []model.TickRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]model.TickRecord, len(records))
	copy(batch, records)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memoryTickRepo) ListBySession(context.Context, uuid.UUID, int) ([]model.TickRecord, error) {
	return nil, nil
}

func (m *memoryTickRepo) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

// recordingAlerter captures every alert for assertions.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) countByType(t alert.AlertType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Type == t {
			n++
		}
	}
	return n
}

func TestDriver_WarmupIssuesNoActuation(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 2 // ends inside the 3s warmup

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	require.NoError(t, d.Run(context.Background()))

	assert.Empty(t, fake.Phases, "no signal commands may be issued during warmup")
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.False(t, fake.Connected(), "collaborator must be disconnected on exit")
}

func TestDriver_TicksAtControlInterval(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 10
	fake.SetOccupancy("THA_occ_1", 0.10)

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	require.NoError(t, d.Run(context.Background()))

	// Warmup ends at sim time 3; ticks land every 2 simulated seconds
	// afterwards: 5, 7, 9.
	require.Len(t, fake.Phases, 3)
	assert.Equal(t, 5.0, fake.Phases[0].AtTime)
	assert.Equal(t, 7.0, fake.Phases[1].AtTime)
	assert.Equal(t, 9.0, fake.Phases[2].AtTime)
	assert.Equal(t, "tls_THA", fake.Phases[0].SignalID)

	// Seed flow 900 veh/h, occupancy 0.10: 900+300*0.1=930 veh/h,
	// raw 0.5167 snaps to 0.5, so green is half the 30s cycle.
	assert.InDelta(t, 15.0, fake.Phases[0].GreenSec, 1e-9)
	assert.InDelta(t, 15.0, fake.Phases[0].RedSec, 1e-9)
}

func TestDriver_WarmupIsRelativeToSessionStart(t *testing.T) {
	fake := sim.NewFake()
	// The session attaches to a scenario already at sim time 1000, far
	// past the 3s warmup duration on the absolute clock.
	fake.SetTime(1000)
	fake.EndAfter = 1010
	fake.SetOccupancy("THA_occ_1", 0.10)

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	require.NoError(t, d.Run(context.Background()))

	// Warmup must still run its full 3 simulated seconds from the start
	// time, so the first actuation lands at 1005, not 1001.
	require.Len(t, fake.Phases, 3)
	assert.Equal(t, 1005.0, fake.Phases[0].AtTime)
	assert.Equal(t, 1007.0, fake.Phases[1].AtTime)
	assert.Equal(t, 1009.0, fake.Phases[2].AtTime)
}

func TestDriver_QueueOverrideForcesFullGreen(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 6
	fake.SetOccupancy("THA_occ_1", 0.30)
	fake.SetQueue("THA_queue", 25) // over the max of 20

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	require.NoError(t, d.Run(context.Background()))

	require.NotEmpty(t, fake.Phases)
	assert.InDelta(t, 30.0, fake.Phases[0].GreenSec, 1e-9)
	assert.InDelta(t, 0.0, fake.Phases[0].RedSec, 1e-9)
}

func TestDriver_DegradedMeasurementRetainsRate(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 8
	fake.SetOccupancy("THA_occ_1", 0.10)
	// The first tick's occupancy pull fails; the second succeeds.
	fake.FailNext("occupancy", 1)

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	require.NoError(t, d.Run(context.Background()))

	require.Len(t, fake.Phases, 2)
	// The unmetered 1.0 rate is retained through the degraded tick.
	assert.InDelta(t, 30.0, fake.Phases[0].GreenSec, 1e-9)
	// Once a measurement arrives, metering resumes from the seed flow.
	assert.InDelta(t, 15.0, fake.Phases[1].GreenSec, 1e-9)
}

func TestDriver_ClampedOccupancyIsRecorded(t *testing.T) {
	fake := sim.NewFake()
	fake.SetOccupancy("THA_occ_1", 1.5) // sensor glitch, above full occupancy
	fake.SetQueue("THA_queue", 4)

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	counter := metrics.ClampedMeasurementsTotal.WithLabelValues("THA")
	before := testutil.ToFloat64(counter)

	m, err := d.pullMeasurement(context.Background(), singleRamp()[0])
	require.NoError(t, err)

	assert.True(t, m.Valid, "a clamped reading is still usable")
	assert.True(t, m.Clamped)
	assert.Equal(t, 1.0, m.Occupancy)
	assert.Equal(t, before+1, testutil.ToFloat64(counter), "clamping must be counted as a data-quality fault")
}

func TestDriver_ActuationFailureStopsSession(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 20
	fake.SetOccupancy("THA_occ_1", 0.10)
	fake.FailNext("phase", 1)

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actuate")
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.False(t, fake.Connected())
}

func TestDriver_ContextCancellationStopsCleanly(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 1 << 20
	fake.SetOccupancy("THA_occ_1", 0.10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	d := New(fake, singleRamp(), driverConfig(), testLogger())
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.False(t, fake.Connected())
}

func TestDriver_IntervalMustDivideStepLength(t *testing.T) {
	fake := sim.NewFake()
	fake.Step = 7 // 2s interval is not a multiple of a 7s base step

	d := New(fake, singleRamp(), driverConfig(), testLogger())
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integer multiple")
}

func TestDriver_FlushesTickRecordsOnStop(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 10
	fake.SetOccupancy("THA_occ_1", 0.10)

	repo := &memoryTickRepo{}
	cfg := driverConfig()
	cfg.TickFlushEvery = 100 // force the flush to happen at shutdown

	d := New(fake, singleRamp(), cfg, testLogger()).WithTickRepo(repo)
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 3, repo.rows(), "every tick must be persisted by the final flush")
}

func TestDriver_PublishesSignalEvents(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 10
	fake.SetOccupancy("THA_occ_1", 0.10)

	pub := storeredis.NewInMemoryPublisher()
	d := New(fake, singleRamp(), driverConfig(), testLogger()).
		WithPublisher(pub, "signal_plans")
	require.NoError(t, d.Run(context.Background()))

	assert.Len(t, pub.Events("signal_plans"), 3, "one event per ramp per tick")
}

func TestDriver_BreakerOpenStopsSession(t *testing.T) {
	fake := sim.NewFake()
	fake.EndAfter = 40
	fake.SetOccupancy("THA_occ_1", 0.10)
	// Enough injected failures to trip a 2-failure breaker during
	// measurement pulls.
	fake.FailNext("occupancy", 10)
	fake.FailNext("queue", 10)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	})

	rec := &recordingAlerter{}
	d := New(fake, singleRamp(), driverConfig(), testLogger()).
		WithBreaker(breaker).
		WithAlerter(rec)
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.False(t, fake.Connected())

	assert.Equal(t, 1, rec.countByType(alert.AlertTypeBreakerOpen), "the open breaker must raise its own alert")
	assert.Equal(t, 1, rec.countByType(alert.AlertTypeSessionEnded))
}

func TestStepsPerInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		stepLen  float64
		want     int
		wantErr  bool
	}{
		{"exact multiple", 30 * time.Second, 1.0, 30, false},
		{"fractional step divides", 30 * time.Second, 0.5, 60, false},
		{"equal to step", 2 * time.Second, 2.0, 1, false},
		{"not a multiple", 2 * time.Second, 7.0, 0, true},
		{"zero step", 30 * time.Second, 0, 0, true},
		{"negative step", 30 * time.Second, -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stepsPerInterval(tt.interval, tt.stepLen)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
