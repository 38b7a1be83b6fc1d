package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/argisarris/rampctl/internal/domain/model"
	"github.com/argisarris/rampctl/internal/store"
	"github.com/google/uuid"
)

type SessionRepo struct {
	db *DB
}

var _ store.SessionRepository = (*SessionRepo)(nil)

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *model.ControlSession) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control_sessions (id, started_at)
		VALUES ($1, $2)
	`, session.ID, session.StartedAt)
	if err != nil {
		return fmt.Errorf("insert control session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Close(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, endReason string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE control_sessions
		SET ended_at = $2, end_reason = $3
		WHERE id = $1
	`, sessionID, endedAt, endReason)
	if err != nil {
		return fmt.Errorf("close control session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close control session rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("close control session: session %s not found", sessionID)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID uuid.UUID) (*model.ControlSession, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var s model.ControlSession
	var endedAt sql.NullTime
	var endReason sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, end_reason
		FROM control_sessions
		WHERE id = $1
	`, sessionID).Scan(&s.ID, &s.StartedAt, &endedAt, &endReason)
	if err != nil {
		return nil, fmt.Errorf("get control session: %w", err)
	}
	if endedAt.Valid {
		s.EndedAt = endedAt.Time
	}
	if endReason.Valid {
		s.EndReason = endReason.String
	}
	return &s, nil
}
