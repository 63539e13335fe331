package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSpec is the venue-facing order intent derived from a leg record. Each
// adapter reads the fields relevant to its venue.
type OrderSpec struct {
	// IdempotencyKey is strategyId + ":" + legKind. Adapters must dedupe on
	// it: a retried Submit returns the original order's reference.
	IdempotencyKey string

	Symbol     string // futures instrument
	MarketID   string // prediction market id
	TokenID    string // outcome token id
	Side       string
	Size       decimal.Decimal
	LimitPrice decimal.Decimal // zero for venue-priced orders
	Leverage   int
}

// PositionReport is a venue's answer to a position query.
type PositionReport struct {
	Open        bool
	Filled      bool
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
}

// CloseReceipt reports a completed close. RealizedPnL and ReturnedAmount are
// observed venue figures; settlement math consumes them directly.
type CloseReceipt struct {
	VenueRef       string
	RealizedPnL    decimal.Decimal
	ReturnedAmount decimal.Decimal
	ClosedAt       time.Time
}

// VenueAdapter is the capability surface the orchestrator holds per venue.
// All methods are safe to call repeatedly for the same order: submissions
// deduplicate on the idempotency key, queries and closes on the venue ref.
type VenueAdapter interface {
	Name() string
	Submit(ctx context.Context, spec OrderSpec) (venueRef string, err error)
	Position(ctx context.Context, venueRef string) (PositionReport, error)
	Close(ctx context.Context, venueRef string) (CloseReceipt, error)
}

// TransferRequest asks the bridge to move value between chains.
type TransferRequest struct {
	// IdempotencyKey is strategyId + ":" + direction; the bridge relayer
	// returns the existing transfer for a repeated key.
	IdempotencyKey string
	Direction      TransferDirection
	Amount         decimal.Decimal
	SourceChain    string
	DestChain      string
	DestAddress    string
}

// BridgeStatus is the observed status of an in-flight transfer.
// DeliveredAmount is reported separately from the requested amount.
type BridgeStatus struct {
	Delivered       bool
	Failed          bool
	DeliveredAmount decimal.Decimal
	Reason          string
}

// BridgeAdapter is the capability surface over the cross-chain transfer
// mechanism. Poll never blocks on chain finality; it reports the latest
// observed state.
type BridgeAdapter interface {
	Initiate(ctx context.Context, req TransferRequest) (bridgeRef string, err error)
	Poll(ctx context.Context, bridgeRef string) (BridgeStatus, error)
}
