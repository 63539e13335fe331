package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegView is the read-model projection of a leg.
type LegView struct {
	Kind        LegKind         `json:"kind"`
	Status      LegStatus       `json:"status"`
	VenueRef    string          `json:"venue_ref,omitempty"`
	Size        decimal.Decimal `json:"size"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Closed      bool            `json:"closed"`
}

// TransferView is the read-model projection of a bridge transfer.
type TransferView struct {
	Direction       TransferDirection `json:"direction"`
	RequestedAmount decimal.Decimal   `json:"requested_amount"`
	DeliveredAmount decimal.Decimal   `json:"delivered_amount"`
	Status          TransferStatus    `json:"status"`
}

// SettlementView is the read-model projection of the settlement record.
type SettlementView struct {
	AggregatedPnL decimal.Decimal `json:"aggregated_pnl"`
	PayoutRatio   decimal.Decimal `json:"payout_ratio"`
	CommitStatus  CommitStatus    `json:"commit_status"`
	TxRef         string          `json:"tx_ref,omitempty"`
}

// StrategyStatus is the snapshot served to users and pushed over the
// WebSocket hub. A strategy in Failed is presented as delayed and under
// review, never as settled.
type StrategyStatus struct {
	ID         string            `json:"id"`
	State      State             `json:"state"`
	FailStage  string            `json:"fail_stage,omitempty"`
	FailReason string            `json:"fail_reason,omitempty"`
	NetAmount  decimal.Decimal   `json:"net_amount"`
	MaturityAt time.Time         `json:"maturity_at"`
	Legs       []LegView         `json:"legs"`
	Transfers  []TransferView    `json:"transfers,omitempty"`
	Settlement *SettlementView   `json:"settlement,omitempty"`
	Version    int64             `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewStrategyStatus projects a ledger instance into its read model.
func NewStrategyStatus(s Strategy) StrategyStatus {
	status := StrategyStatus{
		ID:         s.ID,
		State:      s.State,
		FailStage:  s.FailStage,
		FailReason: s.FailReason,
		NetAmount:  s.NetAmount,
		MaturityAt: s.MaturityAt,
		Version:    s.Version,
		UpdatedAt:  s.UpdatedAt,
	}

	for _, l := range s.Legs {
		status.Legs = append(status.Legs, LegView{
			Kind:        l.Kind,
			Status:      l.Status,
			VenueRef:    l.VenueRef,
			Size:        l.Size,
			RealizedPnL: l.RealizedPnL,
			Closed:      l.Closed,
		})
	}
	for _, t := range s.Transfers {
		status.Transfers = append(status.Transfers, TransferView{
			Direction:       t.Direction,
			RequestedAmount: t.RequestedAmount,
			DeliveredAmount: t.DeliveredAmount,
			Status:          t.Status,
		})
	}
	if s.Settlement != nil {
		status.Settlement = &SettlementView{
			AggregatedPnL: s.Settlement.AggregatedPnL,
			PayoutRatio:   s.Settlement.PayoutRatio,
			CommitStatus:  s.Settlement.CommitStatus,
			TxRef:         s.Settlement.TxRef,
		}
	}

	return status
}
