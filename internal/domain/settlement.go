package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CommitStatus tracks the settlement's on-chain commit.
type CommitStatus string

const (
	CommitStatusPending   CommitStatus = "pending"
	CommitStatusSubmitted CommitStatus = "submitted"
	CommitStatusConfirmed CommitStatus = "confirmed"
)

// payoutScale is the decimal precision the payout ratio is frozen at.
const payoutScale = 8

// Settlement is the once-per-strategy aggregation of both legs' realized PnL
// and the payout ratio committed to the custody chain. Immutable once
// confirmed.
type Settlement struct {
	StrategyID    string
	FuturesPnL    decimal.Decimal
	MarketPnL     decimal.Decimal
	AggregatedPnL decimal.Decimal
	PayoutRatio   decimal.Decimal
	CommitStatus  CommitStatus
	TxRef         string
	ComputedAt    time.Time
	ConfirmedAt   *time.Time
}

// ComputeSettlement aggregates the venue-reported realized PnL of both legs
// and derives the payout ratio over the deployed net amount:
//
//	ratio = (net + futuresPnL + marketPnL) / net
//
// Inputs must be observed venue figures, never estimates. The ratio is
// floored at zero: a loss beyond the principal cannot produce a negative
// claim.
func ComputeSettlement(strategyID string, netAmount, futuresPnL, marketPnL decimal.Decimal, now time.Time) (Settlement, error) {
	if netAmount.Sign() <= 0 {
		return Settlement{}, fmt.Errorf("compute settlement %s: non-positive net amount %s", strategyID, netAmount)
	}

	aggregated := futuresPnL.Add(marketPnL)
	ratio := netAmount.Add(aggregated).DivRound(netAmount, payoutScale)
	if ratio.Sign() < 0 {
		ratio = decimal.Zero
	}

	return Settlement{
		StrategyID:    strategyID,
		FuturesPnL:    futuresPnL,
		MarketPnL:     marketPnL,
		AggregatedPnL: aggregated,
		PayoutRatio:   ratio,
		CommitStatus:  CommitStatusPending,
		ComputedAt:    now,
	}, nil
}
