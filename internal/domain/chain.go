package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// CommitOutcome is the chain writer's view of a submitted settlement tx.
type CommitOutcome string

const (
	CommitPending   CommitOutcome = "pending"
	CommitConfirmed CommitOutcome = "confirmed"
	CommitReverted  CommitOutcome = "reverted"
)

// SettlementWriter commits payout ratios to the custody chain. Submit is
// keyed by strategy id: implementations consult the contract's recorded
// settlement first, so a restarted process resumes rather than double-pays.
type SettlementWriter interface {
	Submit(ctx context.Context, strategyID string, payoutRatio decimal.Decimal) (txRef string, err error)
	Confirm(ctx context.Context, txRef string) (CommitOutcome, error)
}

// EventSource produces normalized chain events in source block order,
// resuming from the last persisted checkpoint after a restart. Run blocks
// until the context is cancelled; Events is closed when Run returns.
type EventSource interface {
	Chain() string
	Events() <-chan ChainEvent
	Run(ctx context.Context) error
}
