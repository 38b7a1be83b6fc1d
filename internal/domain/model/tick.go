package model

import (
	"time"

	"github.com/google/uuid"
)

// ControlSession groups the tick records of one controller run against
// one simulator session.
type ControlSession struct {
	ID        uuid.UUID `db:"id"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
	EndReason string    `db:"end_reason"`
}

// TickRecord is the audit row for one ramp on one control tick: what was
// measured, what each pipeline stage decided, and what was applied.
type TickRecord struct {
	SessionID   uuid.UUID `db:"session_id"`
	SimTime     float64   `db:"sim_time"`
	Ramp        RampID    `db:"ramp"`
	Occupancy   float64   `db:"occupancy"`
	QueueLength int       `db:"queue_length"`
	FlowRate    float64   `db:"flow_rate"` // post-clamp ALINEA output, veh/h
	LocalRate   float64   `db:"local_rate"`
	AppliedRate float64   `db:"applied_rate"`
	GreenSec    float64   `db:"green_sec"`
	RedSec      float64   `db:"red_sec"`
	Coordinated bool      `db:"coordinated"` // HERO clamped this ramp
	Overridden  bool      `db:"overridden"`  // queue safety override fired
	Degraded    bool      `db:"degraded"`    // measurement missing or malformed
	RecordedAt  time.Time `db:"recorded_at"`
}
