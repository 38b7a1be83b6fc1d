package postgres

import (
	"strings"
	"testing"

	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(ramp model.RampID) model.TickRecord {
	return model.TickRecord{
		SessionID:   uuid.New(),
		SimTime:     1830.0,
		Ramp:        ramp,
		Occupancy:   0.12,
		QueueLength: 7,
		FlowRate:    630,
		LocalRate:   0.4,
		AppliedRate: 0.4,
		GreenSec:    12,
		RedSec:      18,
	}
}

func TestBuildTickInsert_SingleRow(t *testing.T) {
	query, args := buildTickInsert([]model.TickRecord{sampleRecord("THA")})

	assert.Contains(t, query, "INSERT INTO tick_records")
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)")
	require.Len(t, args, tickColumns)
	assert.Equal(t, "THA", args[2])
}

func TestBuildTickInsert_MultiRowPlaceholders(t *testing.T) {
	records := []model.TickRecord{
		sampleRecord("THA"),
		sampleRecord("HOR"),
		sampleRecord("WAE"),
	}
	query, args := buildTickInsert(records)

	require.Len(t, args, 3*tickColumns)
	// One paren group for the column list plus one per record.
	assert.Equal(t, 4, strings.Count(query, "("))

	// The second row's placeholders must continue where the first stopped.
	assert.Contains(t, query, "($14, $15, $16")
	assert.Contains(t, query, "($27, $28, $29")
	assert.Equal(t, "HOR", args[tickColumns+2])
	assert.Equal(t, "WAE", args[2*tickColumns+2])
}
