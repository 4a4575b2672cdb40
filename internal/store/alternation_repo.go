package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
)

// AlternationRepo is the single-row alternation_state repository. Reads
// and writes are serialized by an in-process mutex in addition to the
// row's own CAS-free single-row semantics, since more than one controller
// process may share the database (spec §4.2).
type AlternationRepo struct {
	DB *sql.DB
	mu sync.Mutex
}

func (s *Store) Alternation() *AlternationRepo { return &AlternationRepo{DB: s.DB} }

// EnsureSeeded performs the atomic upsert that seeds row id=1 on first
// boot from any process.
func (r *AlternationRepo) EnsureSeeded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO alternation_state (id, start_history_json, stop_history_json, updated_at_ms)
		VALUES (1, '[]', '[]', ?)
		ON CONFLICT(id) DO NOTHING`, nowMS())
	return err
}

// Get returns the current alternation state.
func (r *AlternationRepo) Get(ctx context.Context) (*model.AlternationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(ctx)
}

func (r *AlternationRepo) getLocked(ctx context.Context) (*model.AlternationState, error) {
	var lastStarted, lastStopped sql.NullString
	var startJSON, stopJSON string
	var updatedAt int64

	err := r.DB.QueryRowContext(ctx, `
		SELECT last_started, last_stopped, start_history_json, stop_history_json, updated_at_ms
		FROM alternation_state WHERE id = 1`).Scan(&lastStarted, &lastStopped, &startJSON, &stopJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.AlternationState{}, nil
		}
		return nil, err
	}

	st := &model.AlternationState{UpdatedAt: time.UnixMilli(updatedAt)}
	if lastStarted.Valid {
		p := model.Provider(lastStarted.String)
		st.LastStarted = &p
	}
	if lastStopped.Valid {
		p := model.Provider(lastStopped.String)
		st.LastStopped = &p
	}
	_ = json.Unmarshal([]byte(startJSON), &st.StartHistory)
	_ = json.Unmarshal([]byte(stopJSON), &st.StopHistory)
	return st, nil
}

// RecordStarted appends a start event and updates lastStarted, all within
// a single write so history and the pointer field can never desync.
func (r *AlternationRepo) RecordStarted(ctx context.Context, provider model.Provider, at time.Time, override bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.getLocked(ctx)
	if err != nil {
		return err
	}
	st.StartHistory = model.AppendHistory(st.StartHistory, model.AlternationEvent{Provider: provider, At: at, Override: override, Reason: reason})
	st.LastStarted = &provider

	startJSON, err := json.Marshal(st.StartHistory)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx, `
		UPDATE alternation_state SET last_started = ?, start_history_json = ?, updated_at_ms = ? WHERE id = 1`,
		string(provider), string(startJSON), nowMS())
	return err
}

// RecordStopped appends a stop event and updates lastStopped.
func (r *AlternationRepo) RecordStopped(ctx context.Context, provider model.Provider, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.getLocked(ctx)
	if err != nil {
		return err
	}
	st.StopHistory = model.AppendHistory(st.StopHistory, model.AlternationEvent{Provider: provider, At: at})
	st.LastStopped = &provider

	stopJSON, err := json.Marshal(st.StopHistory)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx, `
		UPDATE alternation_state SET last_stopped = ?, stop_history_json = ?, updated_at_ms = ? WHERE id = 1`,
		string(provider), string(stopJSON), nowMS())
	return err
}
