package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control loop counters and gauges, partitioned by ramp where a value
// is per-ramp.

var (
	// Driver
	DriverTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "ticks_total",
		Help:      "Total control ticks executed",
	})

	DriverTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "tick_errors_total",
		Help:      "Total control ticks that failed",
	})

	DriverTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of one control tick",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	DriverPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "phase",
		Help:      "Driver phase (0=UNSTARTED, 1=WARMUP, 2=RUNNING, 3=STOPPED)",
	})

	DegradedMeasurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "degraded_measurements_total",
		Help:      "Ticks where a ramp's measurement was missing or malformed",
	}, []string{"ramp"})

	MissedTickFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "missed_tick_fallbacks_total",
		Help:      "Ticks where consecutive missed measurements forced full green",
	}, []string{"ramp"})

	ClampedMeasurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "clamped_measurements_total",
		Help:      "Occupancy readings outside [0,1] clamped before use",
	}, []string{"ramp"})

	// Regulator / converter
	RegulatorFlowRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rampctl",
		Subsystem: "regulator",
		Name:      "flow_rate_veh_per_hour",
		Help:      "Clamped ALINEA flow-rate command per ramp",
	}, []string{"ramp"})

	AppliedMeteringRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rampctl",
		Subsystem: "driver",
		Name:      "applied_metering_rate",
		Help:      "Final metering rate applied to each ramp signal",
	}, []string{"ramp"})

	// Coordination
	CoordinationActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rampctl",
		Subsystem: "coordination",
		Name:      "active",
		Help:      "Whether the HERO cascade was active on the last tick (0/1)",
	})

	CoordinationRestrictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "coordination",
		Name:      "restrictions_total",
		Help:      "Cascade restrictions applied, per restricted ramp",
	}, []string{"ramp"})

	// Queue safety override
	OverrideActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "override",
		Name:      "activations_total",
		Help:      "Queue safety override activations per ramp",
	}, []string{"ramp"})

	// Collaborator RPC
	CollaboratorCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "collaborator",
		Name:      "calls_total",
		Help:      "Total collaborator RPC calls by method and status",
	}, []string{"method", "status"})

	CollaboratorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "collaborator",
		Name:      "retries_total",
		Help:      "Total collaborator RPC retries by method",
	}, []string{"method"})

	CollaboratorRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "collaborator",
		Name:      "rate_limit_waits_total",
		Help:      "Total times collaborator calls waited for the rate limiter",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rampctl",
		Subsystem: "collaborator",
		Name:      "breaker_state",
		Help:      "Collaborator circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Tick audit log
	TickLogFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "ticklog",
		Name:      "flushes_total",
		Help:      "Total tick-record batches flushed to the store",
	})

	TickLogRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "ticklog",
		Name:      "rows_total",
		Help:      "Total tick records flushed to the store",
	})

	// Signal event stream
	SignalEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "stream",
		Name:      "signal_events_published_total",
		Help:      "Total applied-signal events published to the event stream",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rampctl",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
