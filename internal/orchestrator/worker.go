package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const (
	// maxIdleWait bounds any single timer sleep so a worker re-evaluates at
	// least hourly even while waiting on a distant maturity.
	maxIdleWait = time.Hour

	// passConflictLimit bounds reload-and-retry cycles inside one pass before
	// the worker yields to its timer.
	passConflictLimit = 3
)

// OrderCanceller is optional. A venue adapter implementing it lets an abort
// withdraw a resting, unfilled order instead of leaving it live on the book.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, venueRef string) error
}

// worker owns one strategy's progression. It is the only goroutine in this
// process writing the strategy's ledger rows; the per-strategy lock extends
// that claim across processes. Triggers only wake it: every action is decided
// from the reloaded instance, so replays and coalesced triggers are harmless.
type worker struct {
	id      string
	deps    *Deps
	log     *slog.Logger
	mailbox chan Trigger
	retire  func(*worker) bool

	// Pacing memory: consecutive passes that leave (state, version) unchanged
	// widen the poll interval.
	lastState   domain.State
	lastVersion int64
	streak      int
}

func newWorker(id string, deps *Deps, retire func(*worker) bool) *worker {
	return &worker{
		id:      id,
		deps:    deps,
		log:     deps.Log.With(slog.String("component", "worker"), slog.String("strategy_id", id)),
		mailbox: make(chan Trigger, deps.Config.MailboxSize),
		retire:  retire,
	}
}

// enqueue offers a trigger without blocking. A full mailbox drops it; the
// worker's own timer covers the loss.
func (w *worker) enqueue(trig Trigger) bool {
	select {
	case w.mailbox <- trig:
		return true
	default:
		return false
	}
}

// run waits for a trigger or the poll timer, advances as far as the ledger
// allows, and reschedules itself. It returns when the strategy is terminal
// and the mailbox is drained, or when ctx is cancelled.
func (w *worker) run(ctx context.Context) {
	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	timer := time.NewTimer(maxIdleWait)
	defer timer.Stop()

	for {
		var trig Trigger
		select {
		case <-ctx.Done():
			return
		case trig = <-w.mailbox:
		case <-timer.C:
			trig = Trigger{Kind: TriggerPoll}
		}

		wait, done := w.pass(ctx, trig)
		if done {
			// Discard triggers that raced in; the strategy is terminal.
			for !w.retire(w) {
				select {
				case <-w.mailbox:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		if wait <= 0 {
			wait = w.deps.Config.RetryBackoff
		}
		if wait > maxIdleWait {
			wait = maxIdleWait
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// pass advances the strategy as far as it can under one lock acquisition.
// It returns the wait before the next self-wake and whether the worker is
// finished with this strategy.
func (w *worker) pass(ctx context.Context, trig Trigger) (time.Duration, bool) {
	cfg := w.deps.Config

	unlock, err := w.deps.Locks.Acquire(ctx, "strategy:"+w.id, cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			w.log.Debug("strategy owned by another process, deferring")
		} else if ctx.Err() == nil {
			w.log.Warn("lock acquire failed", slog.Any("err", err))
		}
		return cfg.RetryBackoff, false
	}
	defer unlock()

	if trig.Kind != TriggerPoll {
		w.log.Debug("trigger received", slog.String("trigger", string(trig.Kind)))
	}

	for conflicts := 0; ; {
		s, err := w.deps.Ledger.Get(ctx, w.id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				w.log.Error("strategy missing from ledger")
				return 0, true
			}
			if ctx.Err() == nil {
				w.log.Warn("ledger read failed", slog.Any("err", err))
			}
			return w.idleWait(), false
		}

		if s.State.Terminal() {
			return 0, true
		}

		if trig.Kind == TriggerAbort {
			reason := trig.Reason
			if reason == "" {
				reason = "aborted by operator"
			}
			w.cancelResting(ctx, s)
			return w.fail(ctx, s, "operator_abort", reason, nil)
		}

		w.track(s)

		wait, err := w.step(ctx, s)
		switch {
		case err == nil && wait <= 0:
			if ctx.Err() != nil {
				return cfg.RetryBackoff, false
			}
			continue // progressed; take the next step against fresh state

		case err == nil:
			return wait, false

		case domain.IsConflict(err):
			conflicts++
			if conflicts >= passConflictLimit {
				w.log.Warn("yielding after repeated version conflicts")
				return cfg.RetryBackoff, false
			}
			continue

		default:
			if fe, ok := domain.AsFatal(err); ok {
				return w.fail(ctx, s, fe.Stage, fe.Reason, fe.Err)
			}
			if ctx.Err() == nil {
				w.log.Warn("step failed, backing off",
					slog.String("state", string(s.State)), slog.Any("err", err))
			}
			return w.idleWait(), false
		}
	}
}

// step performs the next action for the strategy's current state. A zero
// wait with nil error means progress was made and the caller should step
// again; a positive wait parks the worker until the timer or a trigger.
func (w *worker) step(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	switch s.State {
	case domain.StatePurchased:
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To:     domain.StateFuturesSubmitting,
			Event:  "execution_started",
			Detail: map[string]any{"maturity_at": s.MaturityAt.UTC().Format(time.RFC3339)},
		})

	case domain.StateFuturesSubmitting:
		return w.stepSubmit(ctx, s, domain.LegFutures)

	case domain.StateFuturesOpen:
		return w.stepOutboundRequest(ctx, s)

	case domain.StateBridgingOut:
		return w.stepBridging(ctx, s, domain.TransferOutbound)

	case domain.StateMarketSubmitting:
		return w.stepSubmit(ctx, s, domain.LegMarket)

	case domain.StateMarketOpen:
		return w.stepAwaitMaturity(ctx, s)

	case domain.StateFuturesClosing, domain.StateMarketClosing:
		return w.stepClosing(ctx, s)

	case domain.StateBothClosed:
		return w.stepReturnRequest(ctx, s)

	case domain.StateBridgingReturn:
		return w.stepBridging(ctx, s, domain.TransferReturn)

	case domain.StateSettlementComputed:
		return w.stepCommit(ctx, s)
	}
	return 0, fmt.Errorf("no handler for state %s", s.State)
}

// stepSubmit drives a leg from pending to open: submit once, keyed so venue
// retries dedupe, then poll the venue until the position reports open.
func (w *worker) stepSubmit(ctx context.Context, s domain.Strategy, kind domain.LegKind) (time.Duration, error) {
	cfg := w.deps.Config
	venue := w.venueFor(kind)
	stage := submitStage(kind)

	leg := s.Leg(kind)
	if leg == nil {
		return 0, &domain.FatalStrategyError{Stage: stage, Reason: "leg record missing"}
	}

	if leg.VenueRef == "" {
		if leg.SubmitAttempts >= cfg.SubmitRetryLimit {
			return 0, &domain.FatalStrategyError{
				Stage:  stage,
				Reason: fmt.Sprintf("submit retries exhausted after %d attempts", leg.SubmitAttempts),
			}
		}

		spec, err := w.orderSpec(s, *leg)
		if err != nil {
			return 0, err
		}

		ref, err := venue.Submit(ctx, spec)
		if err != nil {
			if !domain.IsTransient(err) {
				return 0, &domain.FatalStrategyError{Stage: stage, Reason: "venue rejected order", Err: err}
			}
			w.log.Warn("leg submit failed, will retry",
				slog.String("leg", string(kind)),
				slog.Int("attempt", leg.SubmitAttempts+1),
				slog.Any("err", err))
			if err := w.apply(ctx, s.Version, domain.Transition{
				To:     s.State,
				Legs:   []domain.LegUpdate{{Kind: kind, BumpSubmitAttempts: true}},
				Event:  string(kind) + "_submit_retry",
				Detail: map[string]any{"attempt": leg.SubmitAttempts + 1, "error": err.Error()},
			}); err != nil {
				return 0, err
			}
			return Backoff(cfg.RetryBackoff, cfg.RetryBackoffMax, leg.SubmitAttempts), nil
		}

		size := spec.Size
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To: s.State,
			Legs: []domain.LegUpdate{{
				Kind:               kind,
				Status:             domain.LegStatusSubmitted,
				VenueRef:           ref,
				Size:               &size,
				BumpSubmitAttempts: true,
			}},
			Event:  string(kind) + "_submitted",
			Detail: map[string]any{"venue_ref": ref, "size": size.String()},
		})
	}

	// Submitted and durable; ask the venue whether the position opened.
	report, err := venue.Position(ctx, leg.VenueRef)
	if err != nil {
		if !domain.IsTransient(err) {
			return 0, &domain.FatalStrategyError{Stage: stage, Reason: "position query failed", Err: err}
		}
		return w.idleWait(), nil
	}
	if !report.Open {
		return w.idleWait(), nil
	}

	target := domain.StateFuturesOpen
	if kind == domain.LegMarket {
		target = domain.StateMarketOpen
	}
	return 0, w.apply(ctx, s.Version, domain.Transition{
		To:     target,
		Legs:   []domain.LegUpdate{{Kind: kind, Status: domain.LegStatusOpen}},
		Event:  string(kind) + "_opened",
		Detail: map[string]any{"venue_ref": leg.VenueRef, "entry_price": report.EntryPrice.String()},
	})
}

// orderSpec builds the venue order from the strategy definition. The market
// leg is sized from the delivered bridge amount, never the requested one.
func (w *worker) orderSpec(s domain.Strategy, leg domain.Leg) (domain.OrderSpec, error) {
	spec := domain.OrderSpec{
		IdempotencyKey: leg.IdempotencyKey(),
		Side:           leg.Side,
	}

	switch leg.Kind {
	case domain.LegFutures:
		spec.Symbol = s.Spec.Futures.Symbol
		spec.Size = s.Spec.Futures.Notional
		spec.Leverage = s.Spec.Futures.Leverage

	case domain.LegMarket:
		out := s.Transfer(domain.TransferOutbound)
		if out == nil || out.Status != domain.TransferStatusDelivered {
			return spec, &domain.FatalStrategyError{
				Stage:  submitStage(leg.Kind),
				Reason: "outbound delivery not recorded",
			}
		}
		spec.MarketID = s.Spec.Market.MarketID
		spec.TokenID = s.Spec.Market.TokenID
		spec.Size = out.DeliveredAmount
		spec.LimitPrice = s.Spec.Market.LimitPrice
	}
	return spec, nil
}

// stepOutboundRequest reserves the outbound budget in the ledger before any
// bridge call. The insert is guarded: requested transfers can never exceed
// the net amount.
func (w *worker) stepOutboundRequest(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	if s.Transfer(domain.TransferOutbound) != nil {
		// Replayed pass: the reservation is already durable.
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To:    domain.StateBridgingOut,
			Event: "outbound_requested",
		})
	}

	amount := s.OutboundBudget()
	if amount.Sign() <= 0 {
		return 0, &domain.FatalStrategyError{
			Stage:  "bridge_out",
			Reason: fmt.Sprintf("no outbound budget: net %s, margin %s", s.NetAmount, s.Spec.Futures.Margin),
		}
	}

	return 0, w.apply(ctx, s.Version, domain.Transition{
		To: domain.StateBridgingOut,
		Transfer: &domain.TransferPut{
			Direction:       domain.TransferOutbound,
			RequestedAmount: amount,
			Status:          domain.TransferStatusPending,
		},
		Event:  "outbound_requested",
		Detail: map[string]any{"amount": amount.String()},
	})
}

// stepBridging drives one transfer to delivery: initiate once, then poll.
// Both directions share the flow; only the endpoints and the follow-up
// transition differ.
func (w *worker) stepBridging(ctx context.Context, s domain.Strategy, dir domain.TransferDirection) (time.Duration, error) {
	cfg := w.deps.Config
	stage := bridgeStage(dir)

	tr := s.Transfer(dir)
	if tr == nil {
		return 0, &domain.FatalStrategyError{Stage: stage, Reason: "transfer record missing"}
	}

	if tr.BridgeRef == "" {
		ref, err := w.deps.Bridge.Initiate(ctx, w.transferRequest(*tr))
		if err != nil {
			if !domain.IsTransient(err) {
				return 0, &domain.FatalStrategyError{Stage: stage, Reason: "bridge rejected transfer", Err: err}
			}
			if expired, exp := w.bridgeExpired(*tr); expired {
				return 0, exp
			}
			w.log.Warn("bridge initiate failed, will retry",
				slog.String("direction", string(dir)), slog.Any("err", err))
			if err := w.apply(ctx, s.Version, domain.Transition{
				To: s.State,
				Transfer: &domain.TransferPut{
					Direction:        dir,
					Status:           domain.TransferStatusPending,
					BumpPollAttempts: true,
				},
				Event:  string(dir) + "_initiate_retry",
				Detail: map[string]any{"error": err.Error()},
			}); err != nil {
				return 0, err
			}
			return Backoff(cfg.BridgePollInterval, cfg.BridgePollBackoffMax, tr.PollAttempts), nil
		}

		return 0, w.apply(ctx, s.Version, domain.Transition{
			To: s.State,
			Transfer: &domain.TransferPut{
				Direction: dir,
				Status:    domain.TransferStatusPending,
				BridgeRef: ref,
			},
			Event:  string(dir) + "_initiated",
			Detail: map[string]any{"bridge_ref": ref, "amount": tr.RequestedAmount.String()},
		})
	}

	status, err := w.deps.Bridge.Poll(ctx, tr.BridgeRef)
	if err != nil {
		if !domain.IsTransient(err) {
			return 0, &domain.FatalStrategyError{Stage: stage, Reason: "bridge status query failed", Err: err}
		}
		if expired, exp := w.bridgeExpired(*tr); expired {
			return 0, exp
		}
		return w.bridgeWait(), nil
	}

	switch {
	case status.Failed:
		return 0, &domain.FatalStrategyError{Stage: stage, Reason: "bridge reported failure: " + status.Reason}

	case status.Delivered:
		now := time.Now().UTC()
		delivered := status.DeliveredAmount
		if dir == domain.TransferOutbound {
			return 0, w.apply(ctx, s.Version, domain.Transition{
				To: domain.StateMarketSubmitting,
				Transfer: &domain.TransferPut{
					Direction:       dir,
					Status:          domain.TransferStatusDelivered,
					DeliveredAmount: &delivered,
					CompletedAt:     &now,
				},
				Event: "outbound_delivered",
				Detail: map[string]any{
					"requested": tr.RequestedAmount.String(),
					"delivered": delivered.String(),
				},
			})
		}
		return 0, w.settle(ctx, s, delivered, now)

	default:
		if expired, exp := w.bridgeExpired(*tr); expired {
			return 0, exp
		}
		return w.bridgeWait(), nil
	}
}

// bridgeExpired checks the wall-clock transfer budget. The budget is anchored
// to the ledger's initiated_at, so process restarts do not extend it.
func (w *worker) bridgeExpired(tr domain.Transfer) (bool, error) {
	timeout := w.deps.Config.BridgeTimeout
	if timeout <= 0 || time.Since(tr.InitiatedAt) <= timeout {
		return false, nil
	}
	return true, &domain.FatalStrategyError{
		Stage:  "bridge_timeout",
		Reason: fmt.Sprintf("%s transfer pending beyond %s", tr.Direction, timeout),
	}
}

// transferRequest maps a ledger transfer onto the bridge call for its
// direction.
func (w *worker) transferRequest(tr domain.Transfer) domain.TransferRequest {
	cfg := w.deps.Config
	req := domain.TransferRequest{
		IdempotencyKey: tr.IdempotencyKey(),
		Direction:      tr.Direction,
		Amount:         tr.RequestedAmount,
	}
	if tr.Direction == domain.TransferOutbound {
		req.SourceChain = cfg.CustodyChain
		req.DestChain = cfg.MarketChain
		req.DestAddress = cfg.DestAddress
	} else {
		req.SourceChain = cfg.MarketChain
		req.DestChain = cfg.CustodyChain
		req.DestAddress = cfg.ReturnAddress
	}
	return req
}

// stepAwaitMaturity holds in MarketOpen until the maturity timestamp. A
// maturity trigger arriving earlier lands here and is deferred by the same
// check.
func (w *worker) stepAwaitMaturity(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	now := time.Now().UTC()
	if !s.Matured(now) {
		return s.MaturityAt.Sub(now), nil
	}

	return 0, w.apply(ctx, s.Version, domain.Transition{
		To:     domain.StateFuturesClosing,
		Event:  "maturity_reached",
		Detail: map[string]any{"maturity_at": s.MaturityAt.UTC().Format(time.RFC3339)},
	})
}

// stepClosing attempts every still-open leg each pass. One leg's transient
// failure does not block the other's close; the state converges to BothClosed
// only when both venues confirm. Whatever closed in this pass is persisted
// before a fatal outcome is acted on.
func (w *worker) stepClosing(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	cfg := w.deps.Config

	if s.BothLegsClosed() {
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To:    domain.StateBothClosed,
			Event: "legs_closed",
		})
	}

	var (
		updates     []domain.LegUpdate
		closedNow   []string
		detail      = map[string]any{}
		fatalErr    error
		retrying    bool
		maxAttempts int
	)

	for _, kind := range []domain.LegKind{domain.LegFutures, domain.LegMarket} {
		leg := s.Leg(kind)
		if leg == nil {
			if fatalErr == nil {
				fatalErr = &domain.FatalStrategyError{Stage: closeStage(kind), Reason: "leg record missing"}
			}
			continue
		}
		if leg.Closed {
			continue
		}
		if leg.CloseAttempts >= cfg.CloseRetryLimit {
			if fatalErr == nil {
				fatalErr = &domain.FatalStrategyError{
					Stage:  closeStage(kind),
					Reason: fmt.Sprintf("close retries exhausted after %d attempts", leg.CloseAttempts),
				}
			}
			continue
		}

		receipt, err := w.venueFor(kind).Close(ctx, leg.VenueRef)
		if err != nil {
			if !domain.IsTransient(err) {
				if fatalErr == nil {
					fatalErr = &domain.FatalStrategyError{Stage: closeStage(kind), Reason: "venue close failed", Err: err}
				}
				continue
			}
			w.log.Warn("leg close failed, will retry",
				slog.String("leg", string(kind)),
				slog.Int("attempt", leg.CloseAttempts+1),
				slog.Any("err", err))
			updates = append(updates, domain.LegUpdate{Kind: kind, BumpCloseAttempts: true})
			retrying = true
			if leg.CloseAttempts > maxAttempts {
				maxAttempts = leg.CloseAttempts
			}
			continue
		}

		closed := true
		pnl := receipt.RealizedPnL
		updates = append(updates, domain.LegUpdate{
			Kind:              kind,
			Status:            domain.LegStatusClosed,
			RealizedPnL:       &pnl,
			Closed:            &closed,
			BumpCloseAttempts: true,
		})
		closedNow = append(closedNow, string(kind))
		detail[string(kind)+"_pnl"] = pnl.String()
	}

	if len(updates) > 0 {
		if err := w.apply(ctx, s.Version, domain.Transition{
			To:     closingTarget(&s, updates),
			Legs:   updates,
			Event:  closeEvent(closedNow),
			Detail: detail,
		}); err != nil {
			return 0, err
		}
	}

	if fatalErr != nil {
		return 0, fatalErr
	}
	if retrying {
		return Backoff(cfg.RetryBackoff, cfg.RetryBackoffMax, maxAttempts), nil
	}
	return 0, nil
}

// closingTarget folds this pass's close results into the leg records and
// names the state they add up to.
func closingTarget(s *domain.Strategy, updates []domain.LegUpdate) domain.State {
	closed := map[domain.LegKind]bool{}
	for _, kind := range []domain.LegKind{domain.LegFutures, domain.LegMarket} {
		if leg := s.Leg(kind); leg != nil {
			closed[kind] = leg.Closed
		}
	}
	for _, u := range updates {
		if u.Closed != nil && *u.Closed {
			closed[u.Kind] = true
		}
	}

	switch {
	case closed[domain.LegFutures] && closed[domain.LegMarket]:
		return domain.StateBothClosed
	case closed[domain.LegFutures]:
		return domain.StateMarketClosing
	default:
		return domain.StateFuturesClosing
	}
}

func closeEvent(closedNow []string) string {
	switch len(closedNow) {
	case 0:
		return "leg_close_retry"
	case 1:
		return closedNow[0] + "_closed"
	default:
		return "legs_closed"
	}
}

// stepReturnRequest sizes the return transfer from the market venue's close
// receipt: position size plus realized PnL is what the venue paid out.
func (w *worker) stepReturnRequest(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	if s.Transfer(domain.TransferReturn) != nil {
		// Replayed pass: the request is already durable.
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To:    domain.StateBridgingReturn,
			Event: "return_requested",
		})
	}

	market := s.Leg(domain.LegMarket)
	if market == nil {
		return 0, &domain.FatalStrategyError{Stage: "bridge_return", Reason: "market leg missing"}
	}

	proceeds := market.Size.Add(market.RealizedPnL)
	if proceeds.Sign() <= 0 {
		// Nothing came back on the market chain; settle directly on the
		// venue-reported figures.
		w.log.Warn("market leg returned no proceeds, skipping return bridge",
			slog.String("proceeds", proceeds.String()))
		return 0, w.settle(ctx, s, decimal.Zero, time.Now().UTC())
	}

	return 0, w.apply(ctx, s.Version, domain.Transition{
		To: domain.StateBridgingReturn,
		Transfer: &domain.TransferPut{
			Direction:       domain.TransferReturn,
			RequestedAmount: proceeds,
			Status:          domain.TransferStatusPending,
		},
		Event:  "return_requested",
		Detail: map[string]any{"amount": proceeds.String()},
	})
}

// settle freezes the settlement record: both legs' venue-reported PnL, the
// aggregate, and the payout ratio land in one CAS write together with the
// final transfer update when a return transfer exists.
func (w *worker) settle(ctx context.Context, s domain.Strategy, returnDelivered decimal.Decimal, now time.Time) error {
	futures, market := s.Leg(domain.LegFutures), s.Leg(domain.LegMarket)
	if futures == nil || market == nil {
		return &domain.FatalStrategyError{Stage: "settlement_compute", Reason: "leg records missing"}
	}

	settlement, err := domain.ComputeSettlement(s.ID, s.NetAmount, futures.RealizedPnL, market.RealizedPnL, now)
	if err != nil {
		return &domain.FatalStrategyError{Stage: "settlement_compute", Reason: err.Error()}
	}

	t := domain.Transition{
		To: domain.StateSettlementComputed,
		Settlement: &domain.SettlementPut{
			FuturesPnL:    settlement.FuturesPnL,
			MarketPnL:     settlement.MarketPnL,
			AggregatedPnL: settlement.AggregatedPnL,
			PayoutRatio:   settlement.PayoutRatio,
			CommitStatus:  domain.CommitStatusPending,
		},
		Event: "settlement_computed",
		Detail: map[string]any{
			"futures_pnl":    settlement.FuturesPnL.String(),
			"market_pnl":     settlement.MarketPnL.String(),
			"aggregated_pnl": settlement.AggregatedPnL.String(),
			"payout_ratio":   settlement.PayoutRatio.String(),
		},
	}

	if tr := s.Transfer(domain.TransferReturn); tr != nil && tr.Status == domain.TransferStatusPending {
		delivered := returnDelivered
		t.Transfer = &domain.TransferPut{
			Direction:       domain.TransferReturn,
			Status:          domain.TransferStatusDelivered,
			DeliveredAmount: &delivered,
			CompletedAt:     &now,
		}
		t.Detail["return_delivered"] = delivered.String()
	}

	return w.apply(ctx, s.Version, t)
}

// stepCommit drives the on-chain commit: submit once, record the tx before
// confirmation polling begins, resubmit only after an explicit revert. A
// commit the vault already holds is adopted as confirmed.
func (w *worker) stepCommit(ctx context.Context, s domain.Strategy) (time.Duration, error) {
	settlement := s.Settlement
	if settlement == nil {
		return 0, &domain.FatalStrategyError{Stage: "settlement_commit", Reason: "settlement record missing"}
	}

	switch settlement.CommitStatus {
	case domain.CommitStatusPending:
		ref, err := w.deps.Writer.Submit(ctx, s.ID, settlement.PayoutRatio)
		if errors.Is(err, domain.ErrAlreadyExists) {
			now := time.Now().UTC()
			w.log.Info("vault already records this settlement, adopting",
				slog.String("ratio", settlement.PayoutRatio.String()))
			return 0, w.apply(ctx, s.Version, domain.Transition{
				To: domain.StateSettlementCommitted,
				Settlement: &domain.SettlementPut{
					CommitStatus: domain.CommitStatusConfirmed,
					ConfirmedAt:  &now,
				},
				Event:  "settlement_confirmed",
				Detail: map[string]any{"recovered": true, "payout_ratio": settlement.PayoutRatio.String()},
			})
		}
		if err != nil {
			if domain.IsTransient(err) {
				return w.idleWait(), nil
			}
			return 0, &domain.FatalStrategyError{Stage: "settlement_commit", Reason: "commit submission failed", Err: err}
		}
		return 0, w.apply(ctx, s.Version, domain.Transition{
			To: s.State,
			Settlement: &domain.SettlementPut{
				CommitStatus: domain.CommitStatusSubmitted,
				TxRef:        ref,
			},
			Event:  "settlement_submitted",
			Detail: map[string]any{"tx_ref": ref, "payout_ratio": settlement.PayoutRatio.String()},
		})

	case domain.CommitStatusSubmitted:
		outcome, err := w.deps.Writer.Confirm(ctx, settlement.TxRef)
		if err != nil {
			if domain.IsTransient(err) {
				return w.idleWait(), nil
			}
			return 0, &domain.FatalStrategyError{Stage: "settlement_commit", Reason: "commit confirmation failed", Err: err}
		}

		switch outcome {
		case domain.CommitConfirmed:
			now := time.Now().UTC()
			w.log.Info("settlement committed",
				slog.String("tx", settlement.TxRef),
				slog.String("ratio", settlement.PayoutRatio.String()))
			return 0, w.apply(ctx, s.Version, domain.Transition{
				To: domain.StateSettlementCommitted,
				Settlement: &domain.SettlementPut{
					CommitStatus: domain.CommitStatusConfirmed,
					ConfirmedAt:  &now,
				},
				Event:  "settlement_confirmed",
				Detail: map[string]any{"tx_ref": settlement.TxRef},
			})

		case domain.CommitReverted:
			w.log.Warn("settlement commit reverted, resubmitting",
				slog.String("tx", settlement.TxRef))
			return 0, w.apply(ctx, s.Version, domain.Transition{
				To:         s.State,
				Settlement: &domain.SettlementPut{CommitStatus: domain.CommitStatusPending},
				Event:      "settlement_reverted",
				Detail:     map[string]any{"tx_ref": settlement.TxRef},
			})

		default:
			return w.idleWait(), nil
		}
	}

	return 0, &domain.FatalStrategyError{
		Stage:  "settlement_commit",
		Reason: fmt.Sprintf("unexpected commit status %q", settlement.CommitStatus),
	}
}

// fail moves the strategy to Failed. It retries through version conflicts:
// once a fatal condition is diagnosed the Failed state must stick.
func (w *worker) fail(ctx context.Context, s domain.Strategy, stage, reason string, cause error) (time.Duration, bool) {
	detail := map[string]any{"stage": stage, "reason": reason}
	if cause != nil {
		detail["error"] = cause.Error()
	}

	for attempt := 0; attempt < passConflictLimit; attempt++ {
		err := w.apply(ctx, s.Version, domain.Transition{
			To:         domain.StateFailed,
			FailStage:  stage,
			FailReason: reason,
			Event:      "strategy_failed",
			Detail:     detail,
		})
		if err == nil {
			w.log.Error("strategy failed",
				slog.String("stage", stage),
				slog.String("reason", reason))
			return 0, true
		}
		if !domain.IsConflict(err) {
			if ctx.Err() == nil {
				w.log.Warn("failed-state write did not land", slog.Any("err", err))
			}
			return w.deps.Config.RetryBackoff, false
		}

		reloaded, gerr := w.deps.Ledger.Get(ctx, w.id)
		if gerr != nil {
			return w.deps.Config.RetryBackoff, false
		}
		if reloaded.State.Terminal() {
			return 0, true
		}
		s = reloaded
	}
	return w.deps.Config.RetryBackoff, false
}

// cancelResting withdraws unfilled orders where the venue supports it. Best
// effort: the strategy is failing regardless, this just keeps dead orders
// off the book.
func (w *worker) cancelResting(ctx context.Context, s domain.Strategy) {
	for _, kind := range []domain.LegKind{domain.LegFutures, domain.LegMarket} {
		leg := s.Leg(kind)
		if leg == nil || leg.VenueRef == "" || leg.Status != domain.LegStatusSubmitted {
			continue
		}
		canceller, ok := w.venueFor(kind).(OrderCanceller)
		if !ok {
			continue
		}
		if err := canceller.CancelOrder(ctx, leg.VenueRef); err != nil {
			w.log.Warn("order cancel failed during abort",
				slog.String("leg", string(kind)), slog.Any("err", err))
		}
	}
}

// apply wraps the ledger CAS and publishes the refreshed snapshot.
func (w *worker) apply(ctx context.Context, version int64, t domain.Transition) error {
	updated, err := w.deps.Ledger.Apply(ctx, w.id, version, t)
	if err != nil {
		return err
	}
	w.publish(ctx, updated)
	return nil
}

// publish pushes the post-transition snapshot to the status cache and the
// signal bus. Both are best effort; the ledger already holds the truth.
func (w *worker) publish(ctx context.Context, s domain.Strategy) {
	status := domain.NewStrategyStatus(s)

	if w.deps.Status != nil {
		if err := w.deps.Status.Set(ctx, status); err != nil && ctx.Err() == nil {
			w.log.Warn("status cache update failed", slog.Any("err", err))
		}
	}
	if w.deps.Bus != nil {
		payload, err := json.Marshal(status)
		if err != nil {
			return
		}
		if err := w.deps.Bus.Publish(ctx, StatusChannel, payload); err != nil && ctx.Err() == nil {
			w.log.Warn("status publish failed", slog.Any("err", err))
		}
	}
}

// track feeds the pacing memory. Any observed change resets the widening.
func (w *worker) track(s domain.Strategy) {
	if s.State == w.lastState && s.Version == w.lastVersion {
		w.streak++
		return
	}
	w.lastState, w.lastVersion, w.streak = s.State, s.Version, 0
}

func (w *worker) idleWait() time.Duration {
	return Backoff(w.deps.Config.RetryBackoff, w.deps.Config.RetryBackoffMax, w.streak)
}

func (w *worker) bridgeWait() time.Duration {
	return Backoff(w.deps.Config.BridgePollInterval, w.deps.Config.BridgePollBackoffMax, w.streak)
}

func (w *worker) venueFor(kind domain.LegKind) domain.VenueAdapter {
	if kind == domain.LegFutures {
		return w.deps.Futures
	}
	return w.deps.Market
}

func submitStage(kind domain.LegKind) string {
	if kind == domain.LegFutures {
		return "futures_submit"
	}
	return "market_submit"
}

func closeStage(kind domain.LegKind) string {
	if kind == domain.LegFutures {
		return "futures_close"
	}
	return "market_close"
}

func bridgeStage(dir domain.TransferDirection) string {
	if dir == domain.TransferOutbound {
		return "bridge_out"
	}
	return "bridge_return"
}
