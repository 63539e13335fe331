package predmarket

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the CLOB API. For the market
// leg an order doubles as the position record: a fully matched buy holds the
// acquired outcome tokens until the close endpoint unwinds them.
type APIOrder struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"` // "live", "delayed", "matched", "closed", "cancelled"
	MarketID      string  `json:"market"`
	AssetID       string  `json:"asset_id"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Type          string  `json:"type"` // "GTC", "FOK"
	OriginalSize  string  `json:"original_size"`
	SizeMatched   string  `json:"size_matched"`
	Price         string  `json:"price"`
	RealizedPnl   string  `json:"realized_pnl,omitempty"`
	Owner         string  `json:"owner"`
	CreatedAt     string  `json:"created_at"`
	FilledAt      *string `json:"filled_at,omitempty"`
	CancelledAt   *string `json:"cancelled_at,omitempty"`
}

// ToPositionReport converts an APIOrder to the domain report. A matched
// order is an open position; a closed one is filled but no longer open.
func (a *APIOrder) ToPositionReport() (domain.PositionReport, error) {
	report := domain.PositionReport{
		Size:        decimal.Zero,
		EntryPrice:  decimal.Zero,
		RealizedPnL: decimal.Zero,
	}

	var err error
	if a.SizeMatched != "" {
		if report.Size, err = decimal.NewFromString(a.SizeMatched); err != nil {
			return domain.PositionReport{}, fmt.Errorf("predmarket: parse size_matched %q: %w", a.SizeMatched, err)
		}
	}
	if a.Price != "" {
		if report.EntryPrice, err = decimal.NewFromString(a.Price); err != nil {
			return domain.PositionReport{}, fmt.Errorf("predmarket: parse price %q: %w", a.Price, err)
		}
	}
	if a.RealizedPnl != "" {
		if report.RealizedPnL, err = decimal.NewFromString(a.RealizedPnl); err != nil {
			return domain.PositionReport{}, fmt.Errorf("predmarket: parse realized_pnl %q: %w", a.RealizedPnl, err)
		}
	}

	switch a.Status {
	case "matched", "mined", "complete":
		report.Open = true
		report.Filled = true
	case "closed", "redeemed":
		report.Filled = true
	}

	return report, nil
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	TransactID  string `json:"transactID,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// APICloseResult is the response from unwinding an order's position.
type APICloseResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID"`
	Proceeds    string `json:"proceeds"`
	RealizedPnl string `json:"realizedPnl"`
	ClosedAt    string `json:"closedAt"`
}

// ToCloseReceipt converts an APICloseResult to the domain receipt.
func (r *APICloseResult) ToCloseReceipt() (domain.CloseReceipt, error) {
	pnl, err := decimal.NewFromString(r.RealizedPnl)
	if err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("predmarket: parse close pnl %q: %w", r.RealizedPnl, err)
	}
	proceeds := decimal.Zero
	if r.Proceeds != "" {
		if proceeds, err = decimal.NewFromString(r.Proceeds); err != nil {
			return domain.CloseReceipt{}, fmt.Errorf("predmarket: parse proceeds %q: %w", r.Proceeds, err)
		}
	}

	receipt := domain.CloseReceipt{
		VenueRef:       r.OrderID,
		RealizedPnL:    pnl,
		ReturnedAmount: proceeds,
		ClosedAt:       time.Now(),
	}
	if t, err := time.Parse(time.RFC3339, r.ClosedAt); err == nil {
		receipt.ClosedAt = t
	}
	return receipt, nil
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSOrderMessage is an order status update from the user feed.
type WSOrderMessage struct {
	EventType   string `json:"event_type"` // "order"
	ID          string `json:"id"`
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	Status      string `json:"status"`
	SizeMatched string `json:"size_matched"`
	Timestamp   string `json:"timestamp"`
}

// OrderUpdate is the parsed form dispatched to handlers.
type OrderUpdate struct {
	OrderID     string
	Status      string
	SizeMatched decimal.Decimal
	Timestamp   time.Time
}

// ToOrderUpdate converts a WSOrderMessage to an OrderUpdate. Unparseable
// numeric fields degrade to zero values rather than dropping the update.
func (m *WSOrderMessage) ToOrderUpdate() OrderUpdate {
	u := OrderUpdate{
		OrderID:     m.ID,
		Status:      m.Status,
		SizeMatched: decimal.Zero,
		Timestamp:   time.Now(),
	}
	if d, err := decimal.NewFromString(m.SizeMatched); err == nil {
		u.SizeMatched = d
	}
	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		u.Timestamp = time.Unix(ts, 0)
	} else if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		u.Timestamp = t
	}
	return u
}

// --------------------------------------------------------------------------
// WebSocket subscription commands
// --------------------------------------------------------------------------

// WSAuth carries the API credentials inside a user-feed subscribe command.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
}

// WSCommand is the JSON payload sent to the WebSocket to subscribe/unsubscribe.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Markets []string `json:"markets,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}
