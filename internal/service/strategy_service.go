package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// StrategyService serves the read API over the strategy ledger, with a
// status-cache fast path for single-instance lookups. The orchestrator's
// workers keep the cache fresh on every transition; a miss falls through to
// the ledger and back-fills.
type StrategyService struct {
	ledger domain.StrategyLedger
	audit  domain.AuditStore
	cache  domain.StatusCache // optional
	logger *slog.Logger
}

// NewStrategyService creates a StrategyService. cache may be nil; every read
// then goes straight to the ledger.
func NewStrategyService(
	ledger domain.StrategyLedger,
	audit domain.AuditStore,
	cache domain.StatusCache,
	logger *slog.Logger,
) *StrategyService {
	return &StrategyService{
		ledger: ledger,
		audit:  audit,
		cache:  cache,
		logger: logger,
	}
}

// GetStatus returns the read-model snapshot for one strategy.
func (s *StrategyService) GetStatus(ctx context.Context, id string) (domain.StrategyStatus, error) {
	if s.cache != nil {
		if status, err := s.cache.Get(ctx, id); err == nil {
			return status, nil
		}
	}

	inst, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.StrategyStatus{}, fmt.Errorf("strategy_service: get %q: %w", id, err)
	}
	status := domain.NewStrategyStatus(inst)

	// Back-fill cache; log but do not fail on cache write errors.
	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, status); cacheErr != nil {
			s.logger.WarnContext(ctx, "strategy_service: cache set failed",
				slog.String("strategy_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return status, nil
}

// List returns snapshots newest first, optionally restricted to the given
// states. An empty states slice lists strategies in any state.
func (s *StrategyService) List(ctx context.Context, states []domain.State, opts domain.ListOpts) ([]domain.StrategyStatus, error) {
	var (
		instances []domain.Strategy
		err       error
	)
	if len(states) > 0 {
		instances, err = s.ledger.ListByStates(ctx, states, opts)
	} else {
		instances, err = s.ledger.ListRecent(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("strategy_service: list: %w", err)
	}

	statuses := make([]domain.StrategyStatus, 0, len(instances))
	for _, inst := range instances {
		statuses = append(statuses, domain.NewStrategyStatus(inst))
	}
	return statuses, nil
}

// Audit returns the transition trail for one strategy, newest first. The
// strategy must exist; an unknown id surfaces ErrNotFound rather than an
// empty trail.
func (s *StrategyService) Audit(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if _, err := s.ledger.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("strategy_service: get %q: %w", id, err)
	}

	entries, err := s.audit.ListByStrategy(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("strategy_service: audit %q: %w", id, err)
	}
	return entries, nil
}
