package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferDirection distinguishes the two bridge legs of a strategy.
type TransferDirection string

const (
	TransferOutbound TransferDirection = "outbound" // custody chain -> market chain
	TransferReturn   TransferDirection = "return"   // market chain -> custody chain
)

// TransferStatus tracks a bridge transfer.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusDelivered TransferStatus = "delivered"
	TransferStatusFailed    TransferStatus = "failed"
)

// Transfer is one cross-chain value movement. DeliveredAmount is the observed
// settlement, distinct from RequestedAmount; bridging fees make them differ.
type Transfer struct {
	StrategyID      string
	Direction       TransferDirection
	RequestedAmount decimal.Decimal
	BridgeRef       string
	DeliveredAmount decimal.Decimal
	Status          TransferStatus
	PollAttempts    int
	InitiatedAt     time.Time
	CompletedAt     *time.Time
}

// IdempotencyKey is the bridge dedup token: one transfer per strategy per
// direction, ever.
func (t Transfer) IdempotencyKey() string {
	return t.StrategyID + ":" + string(t.Direction)
}
