// Package store is the durable SQLite-backed persistence layer for the
// fleet: workers, sessions, and alternation state.
package store

import (
	"database/sql"
	"fmt"

	"github.com/arvidsson/gpufleet/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store wraps a SQLite connection pool configured per the shared
// persistence/sqlite conventions (WAL, busy_timeout, foreign_keys).
type Store struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the durable store at dbPath and
// applies the schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schemaDDL); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	account_id TEXT NOT NULL,
	tunnel_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	capabilities_json TEXT NOT NULL DEFAULT '{}',
	auto_managed INTEGER NOT NULL DEFAULT 1,
	last_used_at_ms INTEGER,
	session_started_at_ms INTEGER,
	session_duration_seconds INTEGER NOT NULL DEFAULT 0,
	max_session_duration_seconds INTEGER NOT NULL DEFAULT 0,
	weekly_usage_seconds INTEGER NOT NULL DEFAULT 0,
	max_weekly_seconds INTEGER,
	week_started_at_ms INTEGER,
	cooldown_until_ms INTEGER,
	scheduled_stop_at_ms INTEGER,
	provider_limits_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	UNIQUE(provider, account_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id INTEGER NOT NULL REFERENCES workers(id),
	session_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at_ms INTEGER NOT NULL,
	last_activity_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	terminated_at_ms INTEGER,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	shutdown_reason TEXT,
	tunnel_url TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_per_worker
	ON sessions(worker_id) WHERE status IN ('starting','active','idle');

CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS alternation_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_started TEXT,
	last_stopped TEXT,
	start_history_json TEXT NOT NULL DEFAULT '[]',
	stop_history_json TEXT NOT NULL DEFAULT '[]',
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rotation_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy TEXT NOT NULL,
	group_count INTEGER NOT NULL,
	generated_at_ms INTEGER NOT NULL
);
`
