// Package orchestrator drives purchased strategies through their lifecycle.
//
// The dispatcher consumes normalized chain events and routes them to
// per-strategy workers. Each worker serializes every action for its strategy;
// distinct strategies progress in parallel. Workers are stateless between
// passes: they reload the ledger instance, act on its current state, and
// persist each step through a version-guarded transition, so a crash at any
// point resumes cleanly from the last durable write.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// StatusChannel is the bus channel carrying StrategyStatus snapshots after
// every ledger transition.
const StatusChannel = "strategy.updates"

// DeliveryRecorder is optional. When set, observed transfer-delivery events
// are recorded by bridge ref so the bridge adapter can answer the next poll
// from the observation instead of the relayer API.
type DeliveryRecorder interface {
	Record(bridgeRef string, amount decimal.Decimal)
}

// Deps collects everything the dispatcher and its workers act through.
// Status and Bus are optional; a nil value disables that output.
type Deps struct {
	Ledger  domain.StrategyLedger
	Audit   domain.AuditStore
	Futures domain.VenueAdapter
	Market  domain.VenueAdapter
	Bridge  domain.BridgeAdapter
	Writer  domain.SettlementWriter
	Locks   domain.LockManager
	Status  domain.StatusCache
	Bus     domain.SignalBus

	Config Config
	Log    *slog.Logger
}

// Config tunes worker behavior. Zero values fall back to the defaults below.
type Config struct {
	MailboxSize      int
	SubmitRetryLimit int
	CloseRetryLimit  int

	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	LockTTL         time.Duration

	BridgePollInterval   time.Duration
	BridgePollBackoffMax time.Duration
	BridgeTimeout        time.Duration

	// Chain names and bridge endpoints for transfer requests.
	CustodyChain  string
	MarketChain   string
	DestAddress   string // market-chain wallet receiving outbound funds
	ReturnAddress string // custody-chain vault receiving returns
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 16
	}
	if c.SubmitRetryLimit <= 0 {
		c.SubmitRetryLimit = 5
	}
	if c.CloseRetryLimit <= 0 {
		c.CloseRetryLimit = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = 90 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.BridgePollInterval <= 0 {
		c.BridgePollInterval = 10 * time.Second
	}
	if c.BridgePollBackoffMax < c.BridgePollInterval {
		c.BridgePollBackoffMax = 2 * time.Minute
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = 45 * time.Minute
	}
	return c
}

// Dispatcher owns the worker pool. It ingests purchase events into the
// ledger, wakes workers on chain events and scanner nudges, and resumes every
// in-progress strategy at startup.
type Dispatcher struct {
	deps *Deps
	log  *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	group   *errgroup.Group
	ctx     context.Context
	started bool

	sources  []domain.EventSource
	delivery DeliveryRecorder
}

// NewDispatcher wires the dispatcher. Sources may be empty; nudges and the
// maturity scanner still drive workers.
func NewDispatcher(deps *Deps, sources []domain.EventSource) *Dispatcher {
	deps.Config = deps.Config.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Dispatcher{
		deps:    deps,
		log:     deps.Log.With(slog.String("component", "dispatcher")),
		workers: make(map[string]*worker),
		sources: sources,
	}
}

// SetDeliveryRecorder installs the delivery sink. Call before Run.
func (d *Dispatcher) SetDeliveryRecorder(r DeliveryRecorder) {
	d.delivery = r
}

// Run resumes in-progress strategies, then consumes events from every source
// until ctx is cancelled. It returns the first source error, or nil on clean
// shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.group = g
	d.ctx = ctx
	d.started = true
	d.mu.Unlock()

	if err := d.resume(ctx); err != nil {
		return err
	}

	for _, src := range d.sources {
		src := src
		g.Go(func() error {
			err := src.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			for ev := range src.Events() {
				d.dispatch(ctx, ev)
			}
			return nil
		})
	}

	<-ctx.Done()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resume spawns a worker for every strategy the ledger reports in progress.
// An unreadable ledger refuses startup: running blind would strand them.
func (d *Dispatcher) resume(ctx context.Context) error {
	var resumed int
	for offset := 0; ; {
		batch, err := d.deps.Ledger.ListByStates(ctx, domain.ProgressStates, domain.ListOpts{
			Limit:  200,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, s := range batch {
			d.nudge(s.ID, Trigger{Kind: TriggerResume})
			resumed++
		}
		if len(batch) < 200 {
			break
		}
		offset += len(batch)
	}

	if resumed > 0 {
		d.log.Info("resumed in-progress strategies", slog.Int("count", resumed))
	}
	return nil
}

// dispatch routes one normalized chain event.
func (d *Dispatcher) dispatch(ctx context.Context, ev domain.ChainEvent) {
	switch ev.Kind {
	case domain.EventStrategyPurchased:
		d.ingestPurchase(ctx, ev)

	case domain.EventSettlementRequested:
		if err := d.deps.Audit.Log(ctx, ev.StrategyID, "settlement_requested", map[string]any{
			"block": ev.BlockNumber,
			"tx":    ev.TxHash,
		}); err != nil && ctx.Err() == nil {
			d.log.Warn("audit write failed", slog.String("strategy_id", ev.StrategyID), slog.Any("err", err))
		}
		d.nudge(ev.StrategyID, Trigger{Kind: TriggerMaturity})

	case domain.EventTransferDelivered:
		// No bridge-ref index exists here; record the observation and let
		// every bridging worker consult it on its next poll.
		if d.delivery != nil {
			d.delivery.Record(ev.TransferRef, ev.DeliveredAmount)
		}
		d.NudgeAll(Trigger{Kind: TriggerDelivery})

	default:
		d.log.Warn("unhandled chain event", slog.String("kind", string(ev.Kind)))
	}
}

// ingestPurchase creates the ledger instance for a purchase event. Create is
// the idempotency boundary: a replayed event hits ErrAlreadyExists and is
// dropped. A spec that fails validation is still created, then immediately
// failed, so the buyer's deposit is visible and accounted for.
func (d *Dispatcher) ingestPurchase(ctx context.Context, ev domain.ChainEvent) {
	log := d.log.With(slog.String("strategy_id", ev.StrategyID))

	spec, err := domain.ParseStrategySpec(ev.SpecJSON)
	vErr := err
	if vErr == nil {
		vErr = spec.Validate(ev.NetAmount, time.Now().UTC())
	}

	s := domain.Strategy{
		ID:          ev.StrategyID,
		Buyer:       ev.Buyer,
		GrossAmount: ev.GrossAmount,
		NetAmount:   ev.NetAmount,
		MaturityAt:  spec.MaturityAt,
		Spec:        spec,
		State:       domain.StatePurchased,
		Legs: []domain.Leg{
			{
				StrategyID: ev.StrategyID,
				Kind:       domain.LegFutures,
				Symbol:     spec.Futures.Symbol,
				Side:       spec.Futures.Side,
				Status:     domain.LegStatusPending,
				Size:       spec.Futures.Notional,
			},
			{
				StrategyID: ev.StrategyID,
				Kind:       domain.LegMarket,
				Symbol:     spec.Market.TokenID,
				Side:       spec.Market.Side,
				Status:     domain.LegStatusPending,
				LimitPrice: spec.Market.LimitPrice,
			},
		},
	}

	if err := d.deps.Ledger.Create(ctx, s); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.Debug("duplicate purchase event dropped")
			d.nudge(ev.StrategyID, Trigger{Kind: TriggerPoll})
			return
		}
		if ctx.Err() == nil {
			log.Error("purchase ingestion failed", slog.Any("err", err))
		}
		return
	}

	if err := d.deps.Audit.Log(ctx, ev.StrategyID, "strategy_purchased", map[string]any{
		"buyer": ev.Buyer,
		"gross": ev.GrossAmount.String(),
		"net":   ev.NetAmount.String(),
		"block": ev.BlockNumber,
		"tx":    ev.TxHash,
	}); err != nil && ctx.Err() == nil {
		log.Warn("audit write failed", slog.Any("err", err))
	}

	if vErr != nil {
		log.Warn("purchase carries invalid spec, failing strategy", slog.Any("err", vErr))
		if _, err := d.deps.Ledger.Apply(ctx, ev.StrategyID, 1, domain.Transition{
			To:         domain.StateFailed,
			FailStage:  "spec_invalid",
			FailReason: vErr.Error(),
			Event:      "strategy_failed",
			Detail:     map[string]any{"stage": "spec_invalid", "reason": vErr.Error()},
		}); err != nil && ctx.Err() == nil {
			log.Error("could not fail invalid strategy", slog.Any("err", err))
		}
		return
	}

	log.Info("strategy ingested",
		slog.String("buyer", ev.Buyer),
		slog.String("net", ev.NetAmount.String()))
	d.nudge(ev.StrategyID, Trigger{Kind: TriggerPurchase})
}

// nudge delivers a trigger to the strategy's worker, spawning one if needed.
// The first trigger for a fresh worker is seeded into its mailbox before the
// goroutine starts, so it cannot be lost.
func (d *Dispatcher) nudge(id string, trig Trigger) {
	if id == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.ctx.Err() != nil {
		return
	}

	if w, ok := d.workers[id]; ok {
		if !w.enqueue(trig) {
			d.log.Debug("worker mailbox full, trigger dropped",
				slog.String("strategy_id", id), slog.String("trigger", string(trig.Kind)))
		}
		return
	}

	w := newWorker(id, d.deps, d.retireWorker)
	w.mailbox <- trig
	d.workers[id] = w
	d.group.Go(func() error {
		w.run(d.ctx)
		return nil
	})
}

// retireWorker removes a finished worker from the pool. It refuses while the
// mailbox holds triggers that raced in; the worker drains them first.
func (d *Dispatcher) retireWorker(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.mailbox) > 0 {
		return false
	}
	delete(d.workers, w.id)
	return true
}

// Nudge wakes the strategy's worker for a plain re-evaluation pass.
func (d *Dispatcher) Nudge(id string) {
	d.nudge(id, Trigger{Kind: TriggerPoll})
}

// NudgeMaturity wakes the strategy's worker with a maturity trigger. The
// maturity scanner calls this for every matured, still-open strategy.
func (d *Dispatcher) NudgeMaturity(id string) {
	d.nudge(id, Trigger{Kind: TriggerMaturity})
}

// NudgeAll broadcasts a trigger to every live worker. Full mailboxes drop it;
// worker poll timers cover the loss.
func (d *Dispatcher) NudgeAll(trig Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range d.workers {
		w.enqueue(trig)
	}
}

// Abort requests an operator abort. The strategy's worker cancels resting
// orders and moves it to Failed; in-flight value stays where it is for manual
// review. Returns ErrTerminal when the strategy already finished.
func (d *Dispatcher) Abort(ctx context.Context, id, reason string) error {
	s, err := d.deps.Ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return domain.ErrTerminal
	}

	if err := d.deps.Audit.Log(ctx, id, "operator_abort_requested", map[string]any{
		"reason": reason,
	}); err != nil && ctx.Err() == nil {
		d.log.Warn("audit write failed", slog.String("strategy_id", id), slog.Any("err", err))
	}

	d.nudge(id, Trigger{Kind: TriggerAbort, Reason: reason})
	return nil
}
