package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategySpec is the strategy definition attached by the construction bot at
// purchase time. The orchestrator validates it once at ingestion and treats
// it as opaque afterwards.
type StrategySpec struct {
	Futures    FuturesLegSpec `json:"futures"`
	Market     MarketLegSpec  `json:"market"`
	MaturityAt time.Time      `json:"maturity_at"`
}

// FuturesLegSpec sizes the perp hedge on the custody chain's venue.
type FuturesLegSpec struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // "long" or "short"
	Notional decimal.Decimal `json:"notional"`
	Leverage int             `json:"leverage"` // 0 = venue default
	// Margin is carved out of the net amount and stays on the custody chain.
	// Zero when the venue account is operator-margined.
	Margin decimal.Decimal `json:"margin"`
}

// MarketLegSpec names the outcome token and limit price for the prediction
// market leg. Its size is never specified here: it is always derived from the
// delivered bridge amount.
type MarketLegSpec struct {
	MarketID   string          `json:"market_id"`
	TokenID    string          `json:"token_id"`
	Side       string          `json:"side"`        // "buy"
	LimitPrice decimal.Decimal `json:"limit_price"` // probability price in (0, 1)
}

// ParseStrategySpec decodes the JSON spec carried by the purchase event.
func ParseStrategySpec(raw []byte) (StrategySpec, error) {
	var spec StrategySpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return StrategySpec{}, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	return spec, nil
}

// Validate checks the spec against the net purchase amount. All violations
// are reported together, wrapped in ErrSpecInvalid.
func (s StrategySpec) Validate(netAmount decimal.Decimal, now time.Time) error {
	var errs []string

	if s.Futures.Symbol == "" {
		errs = append(errs, "futures.symbol is required")
	}
	if s.Futures.Side != "long" && s.Futures.Side != "short" {
		errs = append(errs, fmt.Sprintf("futures.side must be long or short, got %q", s.Futures.Side))
	}
	if s.Futures.Notional.Sign() <= 0 {
		errs = append(errs, "futures.notional must be positive")
	}
	if s.Futures.Leverage < 0 {
		errs = append(errs, "futures.leverage must not be negative")
	}
	if s.Futures.Margin.Sign() < 0 {
		errs = append(errs, "futures.margin must not be negative")
	}
	if s.Futures.Margin.GreaterThanOrEqual(netAmount) {
		errs = append(errs, "futures.margin must leave a positive outbound budget")
	}

	if s.Market.MarketID == "" {
		errs = append(errs, "market.market_id is required")
	}
	if s.Market.TokenID == "" {
		errs = append(errs, "market.token_id is required")
	}
	if s.Market.Side != "buy" {
		errs = append(errs, fmt.Sprintf("market.side must be buy, got %q", s.Market.Side))
	}
	one := decimal.NewFromInt(1)
	if s.Market.LimitPrice.Sign() <= 0 || s.Market.LimitPrice.GreaterThanOrEqual(one) {
		errs = append(errs, "market.limit_price must be in (0, 1)")
	}

	if !s.MaturityAt.After(now) {
		errs = append(errs, "maturity_at must be in the future")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrSpecInvalid, strings.Join(errs, "; "))
	}
	return nil
}
