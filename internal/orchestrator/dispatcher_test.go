package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

func specJSON(t *testing.T, maturity time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.StrategySpec{
		Futures: domain.FuturesLegSpec{
			Symbol:   "BTC-PERP",
			Side:     "short",
			Notional: dec("500"),
			Leverage: 3,
		},
		Market: domain.MarketLegSpec{
			MarketID:   "mkt-btc-60k",
			TokenID:    "tok-yes-1",
			Side:       "buy",
			LimitPrice: dec("0.65"),
		},
		MaturityAt: maturity,
	})
	require.NoError(t, err)
	return raw
}

func purchaseEvent(id string, spec []byte) domain.ChainEvent {
	return domain.ChainEvent{
		Kind:        domain.EventStrategyPurchased,
		Chain:       "custody",
		StrategyID:  id,
		Buyer:       "0xbuyer",
		GrossAmount: dec("505"),
		NetAmount:   dec("500"),
		SpecJSON:    spec,
		BlockNumber: 1042,
		TxHash:      "0xpurchase",
	}
}

func TestDuplicatePurchaseDropped(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(h.deps, nil)

	ev := purchaseEvent("strat-dup", specJSON(t, time.Now().Add(time.Hour).UTC()))
	d.ingestPurchase(context.Background(), ev)
	d.ingestPurchase(context.Background(), ev)

	s, err := h.ledger.Get(context.Background(), "strat-dup")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePurchased, s.State)
	assert.Equal(t, int64(1), s.Version, "the replayed event must not touch the instance")

	var purchased int
	for _, e := range h.audit.events("strat-dup") {
		if e == "strategy_purchased" {
			purchased++
		}
	}
	assert.Equal(t, 1, purchased)
}

func TestInvalidSpecFailsAtIngestion(t *testing.T) {
	t.Run("validation failure", func(t *testing.T) {
		h := newHarness()
		d := NewDispatcher(h.deps, nil)

		var spec domain.StrategySpec
		require.NoError(t, json.Unmarshal(specJSON(t, time.Now().Add(time.Hour).UTC()), &spec))
		spec.Market.Side = "sell"
		raw, err := json.Marshal(spec)
		require.NoError(t, err)

		d.ingestPurchase(context.Background(), purchaseEvent("strat-bad", raw))

		s, err := h.ledger.Get(context.Background(), "strat-bad")
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, s.State)
		assert.Equal(t, "spec_invalid", s.FailStage)
		assert.Contains(t, s.FailReason, "market.side")
		assert.Equal(t, []string{"strategy_purchased", "strategy_failed"}, h.audit.events("strat-bad"))
	})

	t.Run("malformed payload", func(t *testing.T) {
		h := newHarness()
		d := NewDispatcher(h.deps, nil)

		d.ingestPurchase(context.Background(), purchaseEvent("strat-junk", []byte("not json")))

		s, err := h.ledger.Get(context.Background(), "strat-junk")
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, s.State)
		assert.Equal(t, "spec_invalid", s.FailStage)
	})
}

func TestSettlementRequestedLogsAudit(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(h.deps, nil)

	d.dispatch(context.Background(), domain.ChainEvent{
		Kind:        domain.EventSettlementRequested,
		Chain:       "custody",
		StrategyID:  "strat-sr",
		BlockNumber: 2001,
		TxHash:      "0xreq",
	})

	detail := h.audit.detailFor("strat-sr", "settlement_requested")
	require.NotNil(t, detail)
	assert.Equal(t, uint64(2001), detail["block"])
	assert.Equal(t, "0xreq", detail["tx"])
}

type testRecorder struct {
	mu   sync.Mutex
	refs []string
	amts []decimal.Decimal
}

func (r *testRecorder) Record(ref string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	r.amts = append(r.amts, amount)
}

func TestTransferDeliveredFeedsRecorder(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(h.deps, nil)
	rec := &testRecorder{}
	d.SetDeliveryRecorder(rec)

	d.dispatch(context.Background(), domain.ChainEvent{
		Kind:            domain.EventTransferDelivered,
		Chain:           "market",
		TransferRef:     "br-out-9",
		DeliveredAmount: dec("495"),
	})

	require.Equal(t, []string{"br-out-9"}, rec.refs)
	assert.True(t, rec.amts[0].Equal(dec("495")))
}

func TestRunSettlesPurchaseEndToEnd(t *testing.T) {
	h := newHarness()
	src := newFakeSource("custody")
	d := NewDispatcher(h.deps, []domain.EventSource{src})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	src.ch <- purchaseEvent("strat-run", specJSON(t, time.Now().Add(500*time.Millisecond).UTC()))

	require.Eventually(t, func() bool {
		s, err := h.ledger.Get(context.Background(), "strat-run")
		return err == nil && s.State == domain.StateSettlementCommitted
	}, 5*time.Second, 20*time.Millisecond, "the purchase must settle without further input")

	s, err := h.ledger.Get(context.Background(), "strat-run")
	require.NoError(t, err)
	require.NotNil(t, s.Settlement)
	assert.True(t, s.Settlement.PayoutRatio.Equal(dec("1.03")))
	assert.True(t, s.Leg(domain.LegMarket).Size.Equal(dec("495")),
		"market sizing must follow the delivered amount")

	// Terminal strategies reject operator aborts.
	require.ErrorIs(t, d.Abort(context.Background(), "strat-run", "too late"), domain.ErrTerminal)

	cancel()
	require.NoError(t, <-runDone)
}

func TestRunResumesInProgressStrategies(t *testing.T) {
	h := newHarness()
	h.ledger.put(seededComputed("strat-resume"))

	d := NewDispatcher(h.deps, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := h.ledger.Get(context.Background(), "strat-resume")
		return err == nil && s.State == domain.StateSettlementCommitted
	}, 5*time.Second, 20*time.Millisecond, "resume must finish a strategy parked mid-commit")

	cancel()
	require.NoError(t, <-runDone)
}

func TestAbortUnknownStrategy(t *testing.T) {
	h := newHarness()
	d := NewDispatcher(h.deps, nil)

	err := d.Abort(context.Background(), "ghost", "cleanup")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAbortTerminalStrategy(t *testing.T) {
	h := newHarness()
	s := seedStrategy("strat-done", domain.StateFailed, time.Now().Add(time.Hour).UTC())
	s.FailStage = "futures_submit"
	s.FailReason = "venue rejected order"
	h.ledger.put(s)

	d := NewDispatcher(h.deps, nil)
	require.ErrorIs(t, d.Abort(context.Background(), "strat-done", "again"), domain.ErrTerminal)
}
