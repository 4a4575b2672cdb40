// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"fmt"

	"github.com/arvidsson/gpufleet/internal/eventbus"
	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
)

// account is one numbered credential tuple found on the secret surface.
type account struct {
	provider  model.Provider
	accountID string
}

// Scanner runs Auto-Discovery: it diffs the secret surface against the
// worker inventory and upserts/deletes rows to match.
type Scanner struct {
	surface SecretSurface
	workers *store.WorkerRepo
	bus     *eventbus.Bus
}

// New builds a Scanner over the given secret surface, worker repository,
// and event bus.
func New(surface SecretSurface, workers *store.WorkerRepo, bus *eventbus.Bus) *Scanner {
	return &Scanner{surface: surface, workers: workers, bus: bus}
}

// Scan performs one discovery pass: insert newly-discovered accounts,
// delete auto-managed workers whose credentials disappeared. Per-account
// errors are logged and do not abort the rest of the scan.
func (s *Scanner) Scan(ctx context.Context) error {
	logger := log.WithComponent("discovery")

	secrets, err := s.surface.Snapshot()
	if err != nil {
		return fmt.Errorf("discovery: snapshot secret surface: %w", err)
	}

	discovered := scanAccounts(secrets)
	discoveredSet := make(map[account]bool, len(discovered))
	for _, a := range discovered {
		discoveredSet[a] = true
	}

	for _, a := range discovered {
		if err := s.ensureWorker(ctx, a); err != nil {
			logger.Error().Err(err).
				Str("provider", string(a.provider)).
				Str(log.FieldAccountID, a.accountID).
				Msg("failed to upsert discovered worker")
		}
	}

	existing, err := s.workers.ListAutoManaged(ctx)
	if err != nil {
		return fmt.Errorf("discovery: list auto-managed workers: %w", err)
	}

	for _, w := range existing {
		key := account{provider: w.Provider, accountID: w.AccountID}
		if discoveredSet[key] {
			continue
		}
		if err := s.workers.Delete(ctx, w.ID); err != nil {
			logger.Error().Err(err).
				Str("provider", string(w.Provider)).
				Str(log.FieldAccountID, w.AccountID).
				Msg("failed to delete orphaned worker")
			continue
		}
		logger.Info().
			Str(log.FieldEvent, "discovery.worker_deleted").
			Str("provider", string(w.Provider)).
			Str(log.FieldAccountID, w.AccountID).
			Msg("deleted worker with no matching credentials")
		s.bus.Publish(model.EventWorkerDeleted, model.WorkerDeletedPayload{
			WorkerID: w.ID, Provider: w.Provider, AccountID: w.AccountID,
		})
	}

	return nil
}

func (s *Scanner) ensureWorker(ctx context.Context, a account) error {
	existing, err := s.workers.GetByIdentity(ctx, a.provider, a.accountID)
	if err == nil && existing != nil {
		return nil
	}
	if err != nil && err != store.ErrNotFound {
		return err
	}

	w := &model.Worker{
		Provider:     a.provider,
		AccountID:    a.accountID,
		TunnelURL:    placeholderTunnelURL(a),
		Status:       model.WorkerOffline,
		Capabilities: model.Capabilities{},
		AutoManaged:  true,
	}
	if a.provider == model.ProviderKaggle {
		weekly := int64(model.KaggleWeeklySafeCap.Seconds())
		w.MaxWeeklySeconds = &weekly
	}

	id, err := s.workers.Upsert(ctx, w)
	if err != nil {
		return err
	}

	log.WithComponent("discovery").Info().
		Str(log.FieldEvent, "discovery.worker_added").
		Str("provider", string(a.provider)).
		Str(log.FieldAccountID, a.accountID).
		Msg("discovered new worker")
	s.bus.Publish(model.EventWorkerAdded, model.WorkerAddedPayload{
		WorkerID: id, Provider: a.provider, AccountID: a.accountID,
	})
	return nil
}

func placeholderTunnelURL(a account) string {
	return fmt.Sprintf("pending://%s/%s", a.provider, a.accountID)
}

// scanAccounts walks the numbered KAGGLE_USERNAME_n/KAGGLE_KEY_n and
// COLAB_EMAIL_n/COLAB_PASSWORD_n pairs starting at n=1, stopping at the
// first gap for each family independently (spec §4.3).
func scanAccounts(secrets map[string]string) []account {
	var out []account

	for n := 1; ; n++ {
		username, hasUsername := secrets[fmt.Sprintf("KAGGLE_USERNAME_%d", n)]
		key, hasKey := secrets[fmt.Sprintf("KAGGLE_KEY_%d", n)]
		if !hasUsername || !hasKey || username == "" || key == "" {
			break
		}
		out = append(out, account{provider: model.ProviderKaggle, accountID: fmt.Sprintf("kaggle-%d", n)})
	}

	for n := 1; ; n++ {
		email, hasEmail := secrets[fmt.Sprintf("COLAB_EMAIL_%d", n)]
		password, hasPassword := secrets[fmt.Sprintf("COLAB_PASSWORD_%d", n)]
		if !hasEmail || !hasPassword || email == "" || password == "" {
			break
		}
		out = append(out, account{provider: model.ProviderColab, accountID: fmt.Sprintf("colab-%d", n)})
	}

	return out
}
