package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
)

// ErrNotFound is returned when a lookup by id/identity finds no row.
var ErrNotFound = errors.New("store: not found")

// WorkerRepo is the workers table's repository.
type WorkerRepo struct {
	DB *sql.DB
}

func (s *Store) Workers() *WorkerRepo { return &WorkerRepo{DB: s.DB} }

// Upsert inserts a new worker keyed by (provider, accountId). For an
// existing worker it only refreshes updated_at and leaves the other columns
// as stored; either way it returns the worker's id.
func (r *WorkerRepo) Upsert(ctx context.Context, w *model.Worker) (int64, error) {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return 0, err
	}
	limits, err := json.Marshal(w.ProviderLimits)
	if err != nil {
		return 0, err
	}
	now := nowMS()

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO workers (
			provider, account_id, tunnel_url, status, capabilities_json, auto_managed,
			max_session_duration_seconds, max_weekly_seconds, provider_limits_json,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, account_id) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms
	`,
		string(w.Provider), w.AccountID, w.TunnelURL, string(w.Status), string(caps), boolToInt(w.AutoManaged),
		int64(w.MaxSessionDurationSeconds), nullableInt64(w.MaxWeeklySeconds), string(limits),
		now, now,
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		var existing int64
		err2 := r.DB.QueryRowContext(ctx, `SELECT id FROM workers WHERE provider = ? AND account_id = ?`, string(w.Provider), w.AccountID).Scan(&existing)
		if err2 != nil {
			return 0, err2
		}
		return existing, nil
	}
	return id, nil
}

// Get fetches a worker by id.
func (r *WorkerRepo) Get(ctx context.Context, id int64) (*model.Worker, error) {
	row := r.DB.QueryRowContext(ctx, selectWorkerCols+` WHERE id = ?`, id)
	return scanWorker(row)
}

// GetByIdentity fetches a worker by (provider, accountId).
func (r *WorkerRepo) GetByIdentity(ctx context.Context, provider model.Provider, accountID string) (*model.Worker, error) {
	row := r.DB.QueryRowContext(ctx, selectWorkerCols+` WHERE provider = ? AND account_id = ?`, string(provider), accountID)
	return scanWorker(row)
}

// ListAutoManaged returns all auto-discovered workers.
func (r *WorkerRepo) ListAutoManaged(ctx context.Context) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, selectWorkerCols+` WHERE auto_managed = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListByProvider returns auto-managed workers of a single family.
func (r *WorkerRepo) ListByProvider(ctx context.Context, provider model.Provider) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, selectWorkerCols+` WHERE auto_managed = 1 AND provider = ? ORDER BY id`, string(provider))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListRunning returns workers with a live session (status healthy/online/starting).
func (r *WorkerRepo) ListRunning(ctx context.Context) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, selectWorkerCols+` WHERE session_started_at_ms IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListReusable returns workers already running with a usable tunnel,
// ordered by id so callers get a stable "first" choice.
func (r *WorkerRepo) ListReusable(ctx context.Context) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, selectWorkerCols+`
		WHERE status IN (?, ?) AND tunnel_url <> '' ORDER BY id`,
		string(model.WorkerHealthy), string(model.WorkerOnline))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListOffline returns auto-managed workers with no active session,
// ordered by id so callers get a stable "first" choice for activation.
func (r *WorkerRepo) ListOffline(ctx context.Context) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, selectWorkerCols+`
		WHERE auto_managed = 1 AND status = ? ORDER BY id`, string(model.WorkerOffline))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// Delete removes a worker row (spec §4.3: orphaned credential cleanup).
func (r *WorkerRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	return err
}

// UpdateStatus sets status unconditionally.
func (r *WorkerRepo) UpdateStatus(ctx context.Context, id int64, status model.WorkerStatus) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workers SET status = ?, updated_at_ms = ? WHERE id = ?`, string(status), nowMS(), id)
	return err
}

// UpdateTunnelURL records a worker's published tunnel endpoint.
func (r *WorkerRepo) UpdateTunnelURL(ctx context.Context, id int64, tunnelURL string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workers SET tunnel_url = ?, updated_at_ms = ? WHERE id = ?`, tunnelURL, nowMS(), id)
	return err
}

// TouchLastUsed records lastUsedAt=now (the sole source of truth for idle
// eviction decisions, per spec §9).
func (r *WorkerRepo) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workers SET last_used_at_ms = ?, updated_at_ms = ? WHERE id = ?`, at.UnixMilli(), nowMS(), id)
	return err
}

// StartSession records the ledger-side effects of StartSession (spec §4.1):
// sessionStartedAt, maxSessionDurationSeconds, scheduledStopAt, status.
func (r *WorkerRepo) StartSession(ctx context.Context, id int64, startedAt time.Time, safeCap time.Duration) error {
	scheduledStop := startedAt.Add(safeCap)
	_, err := r.DB.ExecContext(ctx, `
		UPDATE workers SET
			session_started_at_ms = ?,
			max_session_duration_seconds = ?,
			scheduled_stop_at_ms = ?,
			status = ?,
			updated_at_ms = ?
		WHERE id = ?`,
		startedAt.UnixMilli(), int64(safeCap.Seconds()), scheduledStop.UnixMilli(), string(model.WorkerHealthy), nowMS(), id,
	)
	return err
}

// StopSession clears the active-session fields. For family K it also folds
// the final runtime into weeklyUsageSeconds; for family C it sets
// cooldownUntil.
func (r *WorkerRepo) StopSession(ctx context.Context, w *model.Worker, stoppedAt time.Time) error {
	var addWeekly int64
	if w.Provider == model.ProviderKaggle && w.SessionStartedAt != nil {
		addWeekly = int64(stoppedAt.Sub(*w.SessionStartedAt).Seconds())
	}

	var cooldownMS any
	if w.Provider == model.ProviderColab {
		cooldownMS = stoppedAt.Add(model.ColabCooldown).UnixMilli()
	}

	_, err := r.DB.ExecContext(ctx, `
		UPDATE workers SET
			session_started_at_ms = NULL,
			weekly_usage_seconds = weekly_usage_seconds + ?,
			cooldown_until_ms = ?,
			scheduled_stop_at_ms = NULL,
			status = ?,
			updated_at_ms = ?
		WHERE id = ?`,
		addWeekly, cooldownMS, string(model.WorkerOffline), nowMS(), w.ID,
	)
	return err
}

// ResetWeekly zeroes weeklyUsageSeconds and advances weekStartedAt (spec
// §4.1 weekly reset rule). Must be called inside the same transaction as
// the read that triggered it in callers that need atomicity across reads.
func (r *WorkerRepo) ResetWeekly(ctx context.Context, id int64, weekStart time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE workers SET weekly_usage_seconds = 0, week_started_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`, weekStart.UnixMilli(), nowMS(), id)
	return err
}

// AnchorWeekStart sets weekStartedAt if unset (used by StartSession for K).
func (r *WorkerRepo) AnchorWeekStart(ctx context.Context, id int64, weekStart time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE workers SET week_started_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND week_started_at_ms IS NULL`, weekStart.UnixMilli(), nowMS(), id)
	return err
}

const selectWorkerCols = `
SELECT id, provider, account_id, tunnel_url, status, capabilities_json, auto_managed,
	last_used_at_ms, session_started_at_ms, session_duration_seconds, max_session_duration_seconds,
	weekly_usage_seconds, max_weekly_seconds, week_started_at_ms, cooldown_until_ms,
	scheduled_stop_at_ms, provider_limits_json, created_at_ms, updated_at_ms
FROM workers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*model.Worker, error) {
	var w model.Worker
	var provider, status string
	var capsJSON, limitsJSON string
	var lastUsed, sessionStarted, weekStarted, cooldownUntil, scheduledStop sql.NullInt64
	var maxWeekly sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&w.ID, &provider, &w.AccountID, &w.TunnelURL, &status, &capsJSON, &w.AutoManaged,
		&lastUsed, &sessionStarted, &w.SessionDurationSeconds, &w.MaxSessionDurationSeconds,
		&w.WeeklyUsageSeconds, &maxWeekly, &weekStarted, &cooldownUntil,
		&scheduledStop, &limitsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	w.Provider = model.Provider(provider)
	w.Status = model.WorkerStatus(status)
	_ = json.Unmarshal([]byte(capsJSON), &w.Capabilities)
	_ = json.Unmarshal([]byte(limitsJSON), &w.ProviderLimits)
	w.LastUsedAt = msToTimePtr(lastUsed)
	w.SessionStartedAt = msToTimePtr(sessionStarted)
	w.WeekStartedAt = msToTimePtr(weekStarted)
	w.CooldownUntil = msToTimePtr(cooldownUntil)
	w.ScheduledStopAt = msToTimePtr(scheduledStop)
	if maxWeekly.Valid {
		v := maxWeekly.Int64
		w.MaxWeeklySeconds = &v
	}
	w.CreatedAt = time.UnixMilli(createdAt)
	w.UpdatedAt = time.UnixMilli(updatedAt)

	return &w, nil
}

type rowsScanner interface {
	rowScanner
	Next() bool
}

func scanWorkers(rows *sql.Rows) ([]*model.Worker, error) {
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
