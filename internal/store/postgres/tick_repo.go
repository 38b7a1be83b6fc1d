package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/argisarris/rampctl/internal/metrics"
	"github.com/argisarris/rampctl/internal/store"
	"github.com/google/uuid"
)

type TickRepo struct {
	db *DB
}

var _ store.TickRepository = (*TickRepo)(nil)

func NewTickRepo(db *DB) *TickRepo {
	return &TickRepo{db: db}
}

const tickColumns = 13

// InsertBatch writes one multi-row INSERT per flush. The audit log is
// append-only so there is no conflict target to worry about.
func (r *TickRepo) InsertBatch(ctx context.Context, records []model.TickRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	query, args := buildTickInsert(records)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert tick records: %w", err)
	}

	metrics.TickLogFlushesTotal.Inc()
	metrics.TickLogRowsTotal.Add(float64(len(records)))
	return nil
}

func buildTickInsert(records []model.TickRecord) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO tick_records (
			session_id, sim_time, ramp, occupancy, queue_length,
			flow_rate, local_rate, applied_rate, green_sec, red_sec,
			coordinated, overridden, degraded
		) VALUES `)

	args := make([]interface{}, 0, len(records)*tickColumns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * tickColumns
		sb.WriteString("(")
		for j := 1; j <= tickColumns; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			rec.SessionID, rec.SimTime, string(rec.Ramp), rec.Occupancy, rec.QueueLength,
			rec.FlowRate, rec.LocalRate, rec.AppliedRate, rec.GreenSec, rec.RedSec,
			rec.Coordinated, rec.Overridden, rec.Degraded,
		)
	}

	return sb.String(), args
}

func (r *TickRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.TickRecord, error) {
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, sim_time, ramp, occupancy, queue_length,
		       flow_rate, local_rate, applied_rate, green_sec, red_sec,
		       coordinated, overridden, degraded, recorded_at
		FROM tick_records
		WHERE session_id = $1
		ORDER BY sim_time ASC, ramp ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tick records: %w", err)
	}
	defer rows.Close()

	var records []model.TickRecord
	for rows.Next() {
		var rec model.TickRecord
		var ramp string
		if err := rows.Scan(
			&rec.SessionID, &rec.SimTime, &ramp, &rec.Occupancy, &rec.QueueLength,
			&rec.FlowRate, &rec.LocalRate, &rec.AppliedRate, &rec.GreenSec, &rec.RedSec,
			&rec.Coordinated, &rec.Overridden, &rec.Degraded, &rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tick record: %w", err)
		}
		rec.Ramp = model.RampID(ramp)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tick records: %w", err)
	}
	return records, nil
}
