package store

import (
	"context"
	"time"

	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/google/uuid"
)

// SessionRepository persists control session lifecycle records.
type SessionRepository interface {
	Create(ctx context.Context, session *model.ControlSession) error
	Close(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, endReason string) error
	Get(ctx context.Context, sessionID uuid.UUID) (*model.ControlSession, error)
}

// TickRepository persists the per-tick audit log.
type TickRepository interface {
	InsertBatch(ctx context.Context, records []model.TickRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.TickRecord, error)
}
