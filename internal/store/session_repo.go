package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
)

// ErrAlreadyActive is returned when an insert collides with the partial
// uniqueness index on live sessions for a worker (spec §4.5, Conflict kind).
var ErrAlreadyActive = errors.New("store: worker already has a live session")

// SessionRepo is the sessions table's repository.
type SessionRepo struct {
	DB *sql.DB
}

func (s *Store) Sessions() *SessionRepo { return &SessionRepo{DB: s.DB} }

// InsertStarting inserts a new session row in the `starting` state. If the
// worker already holds a live session, the partial unique index rejects the
// insert and ErrAlreadyActive is returned — the caller treats this as
// "already active" and rolls back the driver call (spec §4.7 step 7).
func (r *SessionRepo) InsertStarting(ctx context.Context, sess *model.Session) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO sessions (worker_id, session_id, provider, status, started_at_ms, last_activity_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.WorkerID, sess.SessionID, string(sess.Provider), string(model.SessionStarting),
		sess.StartedAt.UnixMilli(), sess.StartedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, ErrAlreadyActive
		}
		return 0, err
	}
	return res.LastInsertId()
}

// ActivateFromStarting transitions starting → active guarded by a CAS
// predicate, attaching the scraped tunnel URL (spec §4.7 step 8).
func (r *SessionRepo) ActivateFromStarting(ctx context.Context, id int64, tunnelURL string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, tunnel_url = ?, last_activity_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.SessionActive), tunnelURL, nowMS(), id, string(model.SessionStarting),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkIdle transitions active → idle.
func (r *SessionRepo) MarkIdle(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.SessionIdle), nowMS(), id, string(model.SessionActive),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Terminate transitions any live status to terminated, recording the
// shutdown reason and duration. Terminal state is absorbing (S3): calling
// this on an already-terminated row is a harmless no-op (0 rows affected).
func (r *SessionRepo) Terminate(ctx context.Context, id int64, reason model.ShutdownReason, at time.Time) error {
	var startedAt int64
	if err := r.DB.QueryRowContext(ctx, `SELECT started_at_ms FROM sessions WHERE id = ?`, id).Scan(&startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	duration := int64(at.Sub(time.UnixMilli(startedAt)).Seconds())

	_, err := r.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, terminated_at_ms = ?, shutdown_reason = ?, duration_seconds = ?
		WHERE id = ? AND status IN ('starting','active','idle')`,
		string(model.SessionTerminated), at.UnixMilli(), string(reason), duration, id,
	)
	return err
}

// GetLiveForWorker returns the worker's current live session, if any.
func (r *SessionRepo) GetLiveForWorker(ctx context.Context, workerID int64) (*model.Session, error) {
	row := r.DB.QueryRowContext(ctx, selectSessionCols+`
		WHERE worker_id = ? AND status IN ('starting','active','idle')`, workerID)
	return scanSession(row)
}

// ListStaleStarting returns `starting` rows older than maxAge (spec §4.5
// reconciliation pass 1 / stale-session reaper).
func (r *SessionRepo) ListStaleStarting(ctx context.Context, olderThan time.Time) ([]*model.Session, error) {
	rows, err := r.DB.QueryContext(ctx, selectSessionCols+`
		WHERE status = 'starting' AND started_at_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListExpiredLive returns {active,idle} rows past their expiresAt (spec
// §4.5 reconciliation pass 2 / stale-session reaper).
func (r *SessionRepo) ListExpiredLive(ctx context.Context, now time.Time) ([]*model.Session, error) {
	rows, err := r.DB.QueryContext(ctx, selectSessionCols+`
		WHERE status IN ('active','idle') AND expires_at_ms < ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListAdoptedLive returns remaining {active,idle} rows after reconciliation
// passes 1-2 — sessions with no in-process driver handle (spec §4.5 pass 3).
func (r *SessionRepo) ListAdoptedLive(ctx context.Context) ([]*model.Session, error) {
	rows, err := r.DB.QueryContext(ctx, selectSessionCols+`WHERE status IN ('active','idle')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

const selectSessionCols = `
SELECT id, worker_id, session_id, provider, status, started_at_ms, last_activity_ms,
	expires_at_ms, terminated_at_ms, duration_seconds, shutdown_reason, tunnel_url
FROM sessions`

func scanSession(row rowScanner) (*model.Session, error) {
	var s model.Session
	var provider, status string
	var startedAt, lastActivity, expiresAt int64
	var terminatedAt sql.NullInt64
	var reason, tunnelURL sql.NullString

	err := row.Scan(
		&s.ID, &s.WorkerID, &s.SessionID, &provider, &status, &startedAt, &lastActivity,
		&expiresAt, &terminatedAt, &s.DurationSeconds, &reason, &tunnelURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.Provider = model.Provider(provider)
	s.Status = model.SessionStatus(status)
	s.StartedAt = time.UnixMilli(startedAt)
	s.LastActivity = time.UnixMilli(lastActivity)
	s.ExpiresAt = time.UnixMilli(expiresAt)
	if terminatedAt.Valid {
		t := time.UnixMilli(terminatedAt.Int64)
		s.TerminatedAt = &t
	}
	if reason.Valid {
		sr := model.ShutdownReason(reason.String)
		s.ShutdownReason = &sr
	}
	if tunnelURL.Valid {
		s.TunnelURL = &tunnelURL.String
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*model.Session, error) {
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed: UNIQUE")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
