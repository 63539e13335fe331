package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// MaturedLister returns ids of strategies whose maturity has passed.
type MaturedLister interface {
	ListMatured(ctx context.Context, asOf time.Time, states []domain.State) ([]string, error)
}

// MaturityNudger wakes a strategy's worker with a maturity trigger.
type MaturityNudger interface {
	NudgeMaturity(id string)
}

// MaturityScanner periodically scans the ledger for strategies whose maturity
// timestamp has passed and nudges their workers. It is the backstop behind the
// on-chain settlement-request event and the workers' own maturity timers: a
// nudge against a strategy that is not yet ready is re-evaluated and deferred,
// so over-emitting is harmless.
type MaturityScanner struct {
	ledger MaturedLister
	nudger MaturityNudger
	logger *slog.Logger
}

// NewMaturityScanner creates a new MaturityScanner.
func NewMaturityScanner(ledger MaturedLister, nudger MaturityNudger, logger *slog.Logger) *MaturityScanner {
	return &MaturityScanner{
		ledger: ledger,
		nudger: nudger,
		logger: logger,
	}
}

// Run executes a single scan and returns the number of strategies nudged.
func (s *MaturityScanner) Run(ctx context.Context) (int, error) {
	asOf := time.Now().UTC()

	ids, err := s.ledger.ListMatured(ctx, asOf, domain.OpenPhaseStates)
	if err != nil {
		return 0, fmt.Errorf("listing matured strategies as of %v: %w", asOf, err)
	}

	for _, id := range ids {
		s.nudger.NudgeMaturity(id)
	}

	if len(ids) > 0 {
		s.logger.Info("maturity scan nudged strategies", slog.Int("count", len(ids)))
	}
	return len(ids), nil
}

// RunLoop runs the scanner on a repeating interval until the context is
// cancelled.
func (s *MaturityScanner) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("maturity scan failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maturity scanner loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("maturity scan failed", slog.String("error", err.Error()))
			}
		}
	}
}
