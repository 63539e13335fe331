package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegKind names the venue a leg executes on.
type LegKind string

const (
	LegFutures LegKind = "futures"
	LegMarket  LegKind = "market"
)

// LegStatus tracks leg execution.
type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted" // accepted by the venue, not yet filled
	LegStatusOpen      LegStatus = "open"
	LegStatusClosed    LegStatus = "closed"
)

// Leg is one venue-specific order/position belonging to a strategy. Written
// only through ledger transactions keyed by strategy id.
type Leg struct {
	StrategyID     string
	Kind           LegKind
	Symbol         string // venue instrument (futures) or outcome token (market)
	Side           string
	Status         LegStatus
	VenueRef       string
	Size           decimal.Decimal
	LimitPrice     decimal.Decimal
	RealizedPnL    decimal.Decimal
	Closed         bool
	SubmitAttempts int
	CloseAttempts  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// IdempotencyKey is the venue dedup token for this leg. Venues treat a
// repeated submission carrying the same key as a lookup of the original
// order, not a new one.
func (l Leg) IdempotencyKey() string {
	return l.StrategyID + ":" + string(l.Kind)
}
