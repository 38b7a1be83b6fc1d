// Package postgres persists control sessions and the per-tick audit
// log. The audit log is write-heavy and append-only; reads happen
// offline when an operator replays a session.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	// DefaultQueryTimeout bounds individual queries so a stalled
	// database cannot block the control loop past a tick boundary.
	DefaultQueryTimeout = 10 * time.Second

	defaultStatementTimeoutMS = 30000
)

type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	StatementTimeoutMS int
}

func New(cfg Config) (*DB, error) {
	statementTimeoutMS := cfg.StatementTimeoutMS
	if statementTimeoutMS <= 0 {
		statementTimeoutMS = defaultStatementTimeoutMS
	}

	connURL := appendStatementTimeout(cfg.URL, statementTimeoutMS)

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// appendStatementTimeout appends statement_timeout to the connection URL
// so it applies to all connections in the pool, not just one session.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// EnsureSchema creates the session and tick tables if they do not exist.
// The schema is small enough that inline DDL beats a migration directory.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS control_sessions (
			id UUID PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			end_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tick_records (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES control_sessions(id),
			sim_time DOUBLE PRECISION NOT NULL,
			ramp TEXT NOT NULL,
			occupancy DOUBLE PRECISION NOT NULL,
			queue_length INTEGER NOT NULL,
			flow_rate DOUBLE PRECISION NOT NULL,
			local_rate DOUBLE PRECISION NOT NULL,
			applied_rate DOUBLE PRECISION NOT NULL,
			green_sec DOUBLE PRECISION NOT NULL,
			red_sec DOUBLE PRECISION NOT NULL,
			coordinated BOOLEAN NOT NULL,
			overridden BOOLEAN NOT NULL,
			degraded BOOLEAN NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tick_records_session_time
			ON tick_records (session_id, sim_time)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
