package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// Event types emitted toward operators. NotifyConfig.Events selects which of
// these actually reach the configured channels.
const (
	EventStrategyFailed      = "strategy.failed"
	EventSettlementCommitted = "settlement.committed"
)

// Watcher subscribes to the strategy status broadcast channel and turns
// terminal transitions into operator notifications. Non-terminal snapshots
// are ignored; each terminal state is broadcast exactly once per strategy, so
// no dedup bookkeeping is needed.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	channel  string
	logger   *slog.Logger
}

// NewWatcher creates a Watcher reading status snapshots from the given bus
// channel.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, channel string, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		channel:  channel,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run consumes status broadcasts until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, w.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", w.channel, err)
	}

	w.logger.Info("notify watcher started", slog.String("channel", w.channel))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notify watcher stopped")
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("notify: status subscription closed")
			}
			w.handle(ctx, payload)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, payload []byte) {
	var status domain.StrategyStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		w.logger.Warn("undecodable status broadcast", slog.String("error", err.Error()))
		return
	}

	var event, title, message string
	switch status.State {
	case domain.StateFailed:
		event = EventStrategyFailed
		title = fmt.Sprintf("Strategy %s failed", status.ID)
		message = fmt.Sprintf("stage: %s\nreason: %s\nnet amount: %s",
			status.FailStage, status.FailReason, status.NetAmount)
	case domain.StateSettlementCommitted:
		event = EventSettlementCommitted
		title = fmt.Sprintf("Strategy %s settled", status.ID)
		if status.Settlement != nil {
			message = fmt.Sprintf("payout ratio: %s\naggregated pnl: %s\ntx: %s",
				status.Settlement.PayoutRatio, status.Settlement.AggregatedPnL, status.Settlement.TxRef)
		} else {
			message = fmt.Sprintf("net amount: %s", status.NetAmount)
		}
	default:
		return
	}

	if err := w.notifier.Notify(ctx, event, title, message); err != nil {
		w.logger.Error("notification delivery failed",
			slog.String("strategy_id", status.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
