package domain

import (
	"github.com/shopspring/decimal"
)

// EventKind discriminates normalized chain events.
type EventKind string

const (
	EventStrategyPurchased   EventKind = "strategy_purchased"
	EventSettlementRequested EventKind = "settlement_requested"
	EventTransferDelivered   EventKind = "transfer_delivered"
)

// ChainEvent is one normalized on-chain occurrence, emitted by a chain
// observer in source block order. Delivery is at-least-once; consumers
// deduplicate against ledger state.
type ChainEvent struct {
	Kind  EventKind
	Chain string

	// Purchase / settlement-request fields.
	StrategyID  string
	Buyer       string
	GrossAmount decimal.Decimal
	NetAmount   decimal.Decimal
	SpecJSON    []byte

	// Transfer-delivery fields (market chain receiving contract).
	TransferRef     string
	DeliveredAmount decimal.Decimal

	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}
