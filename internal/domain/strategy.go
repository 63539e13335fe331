package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the orchestrator-owned lifecycle position of a strategy.
type State string

const (
	StatePurchased           State = "purchased"
	StateFuturesSubmitting   State = "futures_submitting"
	StateFuturesOpen         State = "futures_open"
	StateBridgingOut         State = "bridging_out"
	StateMarketSubmitting    State = "market_submitting"
	StateMarketOpen          State = "market_open"
	StateFuturesClosing      State = "futures_closing"
	StateMarketClosing       State = "market_closing"
	StateBothClosed          State = "both_closed"
	StateBridgingReturn      State = "bridging_return"
	StateSettlementComputed  State = "settlement_computed"
	StateSettlementCommitted State = "settlement_committed"
	StateFailed              State = "failed"
)

// Terminal reports whether no further automatic progression is possible.
func (s State) Terminal() bool {
	return s == StateSettlementCommitted || s == StateFailed
}

// Closing reports whether the strategy is in its leg-closing phase.
func (s State) Closing() bool {
	return s == StateFuturesClosing || s == StateMarketClosing
}

// Known reports whether s is one of the lifecycle states.
func (s State) Known() bool {
	if s.Terminal() {
		return true
	}
	for _, st := range ProgressStates {
		if s == st {
			return true
		}
	}
	return false
}

// ProgressStates lists every non-terminal state in lifecycle order. The
// dispatcher resumes workers for strategies in any of these at startup.
var ProgressStates = []State{
	StatePurchased,
	StateFuturesSubmitting,
	StateFuturesOpen,
	StateBridgingOut,
	StateMarketSubmitting,
	StateMarketOpen,
	StateFuturesClosing,
	StateMarketClosing,
	StateBothClosed,
	StateBridgingReturn,
	StateSettlementComputed,
}

// OpenPhaseStates are the states in which a maturity trigger can arrive
// before closing is allowed to begin. The maturity scanner keeps re-emitting
// for strategies stuck here so a deferred maturity fires once both legs open.
var OpenPhaseStates = []State{
	StatePurchased,
	StateFuturesSubmitting,
	StateFuturesOpen,
	StateBridgingOut,
	StateMarketSubmitting,
	StateMarketOpen,
}

// Strategy is one purchased two-leg hedge instance. Identity and amounts are
// immutable after creation; only State, the fail fields, the child records
// and Version change, and only through ledger transactions.
type Strategy struct {
	ID          string
	Buyer       string
	GrossAmount decimal.Decimal
	NetAmount   decimal.Decimal
	MaturityAt  time.Time
	Spec        StrategySpec
	State       State
	FailStage   string
	FailReason  string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Legs       []Leg
	Transfers  []Transfer
	Settlement *Settlement
}

// Leg returns the leg of the given kind, or nil if it does not exist yet.
func (s *Strategy) Leg(kind LegKind) *Leg {
	for i := range s.Legs {
		if s.Legs[i].Kind == kind {
			return &s.Legs[i]
		}
	}
	return nil
}

// Transfer returns the transfer with the given direction, or nil. The ledger
// admits at most one transfer per direction per strategy.
func (s *Strategy) Transfer(dir TransferDirection) *Transfer {
	for i := range s.Transfers {
		if s.Transfers[i].Direction == dir {
			return &s.Transfers[i]
		}
	}
	return nil
}

// Matured reports whether the strategy's maturity timestamp has passed.
func (s *Strategy) Matured(at time.Time) bool {
	return !at.Before(s.MaturityAt)
}

// BothLegsOpen reports whether both legs have reached open status.
func (s *Strategy) BothLegsOpen() bool {
	f, m := s.Leg(LegFutures), s.Leg(LegMarket)
	return f != nil && m != nil && f.Status == LegStatusOpen && m.Status == LegStatusOpen
}

// BothLegsClosed reports whether both legs report closed.
func (s *Strategy) BothLegsClosed() bool {
	f, m := s.Leg(LegFutures), s.Leg(LegMarket)
	return f != nil && m != nil && f.Closed && m.Closed
}

// OutboundBudget returns the amount eligible for the outbound bridge
// transfer: the net amount minus the custody-chain futures margin.
func (s *Strategy) OutboundBudget() decimal.Decimal {
	return s.NetAmount.Sub(s.Spec.Futures.Margin)
}

// Transition describes one atomic ledger mutation: the target state plus the
// child-record writes that must land with it, and the audit event recording
// what triggered it. Apply persists all of it in a single transaction guarded
// by the instance version.
type Transition struct {
	To         State
	FailStage  string
	FailReason string
	Legs       []LegUpdate
	Transfer   *TransferPut
	Settlement *SettlementPut
	Event      string
	Detail     map[string]any
}

// LegUpdate mutates one leg inside a transition. Zero-valued optional fields
// leave the stored column untouched.
type LegUpdate struct {
	Kind               LegKind
	Status             LegStatus
	VenueRef           string
	Size               *decimal.Decimal
	RealizedPnL        *decimal.Decimal
	Closed             *bool
	BumpSubmitAttempts bool
	BumpCloseAttempts  bool
}

// TransferPut inserts or updates the strategy's transfer for one direction.
// The ledger rejects an insert while a transfer of the same direction is
// pending, and rejects outbound inserts that would push the all-time
// requested sum past the net amount.
type TransferPut struct {
	Direction        TransferDirection
	RequestedAmount  decimal.Decimal
	BridgeRef        string
	DeliveredAmount  *decimal.Decimal
	Status           TransferStatus
	CompletedAt      *time.Time
	BumpPollAttempts bool
}

// SettlementPut inserts the settlement record or advances its commit fields.
// The ratio columns are written once; the ledger rejects any change to a
// confirmed settlement.
type SettlementPut struct {
	FuturesPnL    decimal.Decimal
	MarketPnL     decimal.Decimal
	AggregatedPnL decimal.Decimal
	PayoutRatio   decimal.Decimal
	CommitStatus  CommitStatus
	TxRef         string
	ConfirmedAt   *time.Time
}
