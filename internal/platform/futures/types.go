package futures

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// --------------------------------------------------------------------------
// Futures venue API DTOs
// --------------------------------------------------------------------------

// APIOrderResult is the response from placing an order.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
	Status   string `json:"status,omitempty"` // "accepted", "filled", "rejected"
}

// APIPosition represents a perp position as returned by the venue.
type APIPosition struct {
	PositionID    string `json:"positionId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "long" or "short"
	Status        string `json:"status"` // "pending", "open", "closed"
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	RealizedPnl   string `json:"realizedPnl"`
	UnrealizedPnl string `json:"unrealizedPnl"`
}

// ToPositionReport converts an APIPosition to the domain report.
func (p *APIPosition) ToPositionReport() (domain.PositionReport, error) {
	size, err := decimal.NewFromString(p.Size)
	if err != nil {
		return domain.PositionReport{}, fmt.Errorf("futures: parse position size %q: %w", p.Size, err)
	}
	entry, err := decimal.NewFromString(p.EntryPrice)
	if err != nil {
		return domain.PositionReport{}, fmt.Errorf("futures: parse entry price %q: %w", p.EntryPrice, err)
	}
	pnl := decimal.Zero
	if p.RealizedPnl != "" {
		if pnl, err = decimal.NewFromString(p.RealizedPnl); err != nil {
			return domain.PositionReport{}, fmt.Errorf("futures: parse realized pnl %q: %w", p.RealizedPnl, err)
		}
	}

	return domain.PositionReport{
		Open:        p.Status == "open",
		Filled:      p.Status == "open" || p.Status == "closed",
		Size:        size,
		EntryPrice:  entry,
		RealizedPnL: pnl,
	}, nil
}

// APICloseResult is the response from closing a position.
type APICloseResult struct {
	Success        bool   `json:"success"`
	ErrorMsg       string `json:"errorMsg,omitempty"`
	PositionID     string `json:"positionId"`
	RealizedPnl    string `json:"realizedPnl"`
	ReturnedMargin string `json:"returnedMargin"`
	ClosedAt       string `json:"closedAt"`
}

// ToCloseReceipt converts an APICloseResult to the domain receipt.
func (r *APICloseResult) ToCloseReceipt() (domain.CloseReceipt, error) {
	pnl, err := decimal.NewFromString(r.RealizedPnl)
	if err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("futures: parse close pnl %q: %w", r.RealizedPnl, err)
	}
	returned := decimal.Zero
	if r.ReturnedMargin != "" {
		if returned, err = decimal.NewFromString(r.ReturnedMargin); err != nil {
			return domain.CloseReceipt{}, fmt.Errorf("futures: parse returned margin %q: %w", r.ReturnedMargin, err)
		}
	}

	receipt := domain.CloseReceipt{
		VenueRef:       r.PositionID,
		RealizedPnL:    pnl,
		ReturnedAmount: returned,
		ClosedAt:       time.Now(),
	}
	if t, err := time.Parse(time.RFC3339, r.ClosedAt); err == nil {
		receipt.ClosedAt = t
	}
	return receipt, nil
}
