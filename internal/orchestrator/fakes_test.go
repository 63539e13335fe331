package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloneStrategy(s domain.Strategy) domain.Strategy {
	out := s
	out.Legs = append([]domain.Leg(nil), s.Legs...)
	out.Transfers = append([]domain.Transfer(nil), s.Transfers...)
	if s.Settlement != nil {
		cp := *s.Settlement
		out.Settlement = &cp
	}
	return out
}

// memAudit collects audit entries from both the fake ledger's transitions and
// direct Log calls, in insertion order, the way the shared audit table does.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func newMemAudit() *memAudit {
	return &memAudit{}
}

func (a *memAudit) append(e domain.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.ID = int64(len(a.entries) + 1)
	a.entries = append(a.entries, e)
}

func (a *memAudit) Log(_ context.Context, strategyID, event string, detail map[string]any) error {
	a.append(domain.AuditEntry{StrategyID: strategyID, Event: event, Detail: detail, CreatedAt: time.Now().UTC()})
	return nil
}

func (a *memAudit) ListByStrategy(_ context.Context, strategyID string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.StrategyID == strategyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// events returns the event names recorded for one strategy, in order.
func (a *memAudit) events(strategyID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.StrategyID == strategyID {
			out = append(out, e.Event)
		}
	}
	return out
}

func (a *memAudit) detailFor(strategyID, event string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.StrategyID == strategyID && e.Event == event {
			return e.Detail
		}
	}
	return nil
}

// memLedger is an in-memory StrategyLedger with the same guard semantics as
// the postgres store: version CAS, outbound budget cap, settled-transfer and
// confirmed-settlement freezes. Transitions apply to a copy and commit only
// when every guard passes.
type memLedger struct {
	mu         sync.Mutex
	strategies map[string]*domain.Strategy
	audit      *memAudit

	// injectConflicts makes the next N Apply calls fail with a version
	// conflict without touching state.
	injectConflicts int
}

func newMemLedger(audit *memAudit) *memLedger {
	return &memLedger{strategies: make(map[string]*domain.Strategy), audit: audit}
}

// put seeds a strategy directly, bypassing Create. Tests use it to start a
// worker mid-lifecycle.
func (m *memLedger) put(s domain.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := cloneStrategy(s)
	m.strategies[s.ID] = &cp
}

func (m *memLedger) Create(_ context.Context, s domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	for i := range s.Legs {
		if s.Legs[i].Status == "" {
			s.Legs[i].Status = domain.LegStatusPending
		}
		s.Legs[i].CreatedAt, s.Legs[i].UpdatedAt = now, now
	}
	cp := cloneStrategy(s)
	m.strategies[s.ID] = &cp
	return nil
}

func (m *memLedger) Get(_ context.Context, id string) (domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return cloneStrategy(*s), nil
}

func (m *memLedger) Apply(_ context.Context, id string, expected int64, t domain.Transition) (domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	if m.injectConflicts > 0 {
		m.injectConflicts--
		return domain.Strategy{}, &domain.ConflictError{
			StrategyID: id, ExpectedVersion: expected, ActualVersion: cur.Version,
		}
	}
	if cur.Version != expected {
		return domain.Strategy{}, &domain.ConflictError{
			StrategyID: id, ExpectedVersion: expected, ActualVersion: cur.Version,
		}
	}

	next := cloneStrategy(*cur)
	now := time.Now().UTC()
	next.State = t.To
	if t.To == domain.StateFailed {
		next.FailStage, next.FailReason = t.FailStage, t.FailReason
	}
	next.Version++
	next.UpdatedAt = now

	for _, u := range t.Legs {
		leg := next.Leg(u.Kind)
		if leg == nil {
			return domain.Strategy{}, domain.ErrNotFound
		}
		if u.Status != "" {
			leg.Status = u.Status
		}
		if u.VenueRef != "" {
			leg.VenueRef = u.VenueRef
		}
		if u.Size != nil {
			leg.Size = *u.Size
		}
		if u.RealizedPnL != nil {
			leg.RealizedPnL = *u.RealizedPnL
		}
		if u.Closed != nil {
			leg.Closed = *u.Closed
			if *u.Closed {
				at := now
				leg.ClosedAt = &at
			}
		}
		if u.BumpSubmitAttempts {
			leg.SubmitAttempts++
		}
		if u.BumpCloseAttempts {
			leg.CloseAttempts++
		}
		leg.UpdatedAt = now
	}

	if p := t.Transfer; p != nil {
		if err := applyMemTransfer(&next, now, *p); err != nil {
			return domain.Strategy{}, err
		}
	}
	if p := t.Settlement; p != nil {
		if err := applyMemSettlement(&next, now, *p); err != nil {
			return domain.Strategy{}, err
		}
	}

	m.strategies[id] = &next
	if t.Event != "" && m.audit != nil {
		m.audit.append(domain.AuditEntry{
			StrategyID: id, Event: t.Event, Detail: t.Detail, CreatedAt: now,
		})
	}
	return cloneStrategy(next), nil
}

func applyMemTransfer(s *domain.Strategy, now time.Time, p domain.TransferPut) error {
	existing := s.Transfer(p.Direction)
	if existing == nil {
		if p.Direction == domain.TransferOutbound && p.RequestedAmount.GreaterThan(s.NetAmount) {
			return domain.ErrOutboundExceeded
		}
		s.Transfers = append(s.Transfers, domain.Transfer{
			StrategyID:      s.ID,
			Direction:       p.Direction,
			RequestedAmount: p.RequestedAmount,
			BridgeRef:       p.BridgeRef,
			Status:          p.Status,
			InitiatedAt:     now,
		})
		return nil
	}
	if existing.Status != domain.TransferStatusPending {
		return domain.ErrTransferActive
	}
	if p.Status != "" {
		existing.Status = p.Status
	}
	if p.BridgeRef != "" {
		existing.BridgeRef = p.BridgeRef
	}
	if p.DeliveredAmount != nil {
		existing.DeliveredAmount = *p.DeliveredAmount
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		existing.CompletedAt = &at
	}
	if p.BumpPollAttempts {
		existing.PollAttempts++
	}
	return nil
}

func applyMemSettlement(s *domain.Strategy, now time.Time, p domain.SettlementPut) error {
	if s.Settlement == nil {
		s.Settlement = &domain.Settlement{
			StrategyID:    s.ID,
			FuturesPnL:    p.FuturesPnL,
			MarketPnL:     p.MarketPnL,
			AggregatedPnL: p.AggregatedPnL,
			PayoutRatio:   p.PayoutRatio,
			CommitStatus:  p.CommitStatus,
			TxRef:         p.TxRef,
			ComputedAt:    now,
		}
		return nil
	}
	if s.Settlement.CommitStatus == domain.CommitStatusConfirmed {
		return domain.ErrSettlementFrozen
	}
	s.Settlement.CommitStatus = p.CommitStatus
	if p.TxRef != "" {
		s.Settlement.TxRef = p.TxRef
	}
	if p.ConfirmedAt != nil {
		at := *p.ConfirmedAt
		s.Settlement.ConfirmedAt = &at
	}
	return nil
}

func (m *memLedger) ListByStates(_ context.Context, states []domain.State, opts domain.ListOpts) ([]domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []domain.Strategy
	for _, s := range m.strategies {
		if want[s.State] {
			out = append(out, cloneStrategy(*s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memLedger) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Strategy
	for _, s := range m.strategies {
		out = append(out, cloneStrategy(*s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memLedger) ListMatured(_ context.Context, asOf time.Time, states []domain.State) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []string
	for _, s := range m.strategies {
		if want[s.State] && !s.MaturityAt.After(asOf) {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// fakeVenue scripts one venue adapter. A transient count of -1 means the
// failure never clears.
type fakeVenue struct {
	name string

	mu sync.Mutex

	submitRef       string
	submitTransient int
	rejectSubmit    error

	openAfterPolls int // position polls reporting closed before open; -1 = never opens
	entryPrice     decimal.Decimal

	closePnL       decimal.Decimal
	closeTransient int
	rejectClose    error

	submitCalls   int
	positionCalls int
	closeCalls    int
	specs         []domain.OrderSpec
	cancelled     []string
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Submit(_ context.Context, spec domain.OrderSpec) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitCalls++
	v.specs = append(v.specs, spec)
	if v.rejectSubmit != nil {
		return "", v.rejectSubmit
	}
	if v.submitTransient != 0 {
		if v.submitTransient > 0 {
			v.submitTransient--
		}
		return "", &domain.TransientVenueError{Venue: v.name, Op: "submit", Err: errors.New("venue unavailable")}
	}
	return v.submitRef, nil
}

func (v *fakeVenue) Position(_ context.Context, _ string) (domain.PositionReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positionCalls++
	if v.openAfterPolls < 0 || v.positionCalls <= v.openAfterPolls {
		return domain.PositionReport{}, nil
	}
	return domain.PositionReport{Open: true, Filled: true, EntryPrice: v.entryPrice}, nil
}

func (v *fakeVenue) Close(_ context.Context, ref string) (domain.CloseReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeCalls++
	if v.rejectClose != nil {
		return domain.CloseReceipt{}, v.rejectClose
	}
	if v.closeTransient != 0 {
		if v.closeTransient > 0 {
			v.closeTransient--
		}
		return domain.CloseReceipt{}, &domain.TransientVenueError{Venue: v.name, Op: "close", Err: errors.New("venue unavailable")}
	}
	return domain.CloseReceipt{VenueRef: ref, RealizedPnL: v.closePnL, ClosedAt: time.Now().UTC()}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, ref)
	return nil
}

// bridgeRoute scripts one transfer direction.
type bridgeRoute struct {
	transientInits int // -1 = initiate never succeeds
	ref            string
	pendingPolls   int // polls reporting pending before the outcome
	delivered      decimal.Decimal
	failReason     string // non-empty: the outcome is a bridge failure
	stuck          bool   // never leaves pending

	polls int
}

type fakeBridge struct {
	mu       sync.Mutex
	outbound *bridgeRoute
	back     *bridgeRoute
	requests []domain.TransferRequest
}

func (b *fakeBridge) Initiate(_ context.Context, req domain.TransferRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)

	r := b.outbound
	if req.Direction == domain.TransferReturn {
		r = b.back
	}
	if r == nil {
		return "", &domain.TransientBridgeError{Op: "initiate", Err: errors.New("no route")}
	}
	if r.transientInits != 0 {
		if r.transientInits > 0 {
			r.transientInits--
		}
		return "", &domain.TransientBridgeError{Op: "initiate", Err: errors.New("relayer unavailable")}
	}
	return r.ref, nil
}

func (b *fakeBridge) Poll(_ context.Context, ref string) (domain.BridgeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var r *bridgeRoute
	switch {
	case b.outbound != nil && b.outbound.ref == ref:
		r = b.outbound
	case b.back != nil && b.back.ref == ref:
		r = b.back
	default:
		return domain.BridgeStatus{}, &domain.TransientBridgeError{Op: "status", Err: errors.New("unknown transfer")}
	}

	r.polls++
	if r.stuck || r.polls <= r.pendingPolls {
		return domain.BridgeStatus{}, nil
	}
	if r.failReason != "" {
		return domain.BridgeStatus{Failed: true, Reason: r.failReason}, nil
	}
	return domain.BridgeStatus{Delivered: true, DeliveredAmount: r.delivered}, nil
}

// fakeWriter scripts the settlement commit path. Submit hands out txRefs in
// order; Confirm consumes outcomes in order, repeating the last.
type fakeWriter struct {
	mu            sync.Mutex
	txRefs        []string
	outcomes      []domain.CommitOutcome
	alreadyExists bool
	submitErr     error

	submitCalls  int
	submitRatios []decimal.Decimal
	confirmRefs  []string
}

func (w *fakeWriter) Submit(_ context.Context, _ string, ratio decimal.Decimal) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitCalls++
	w.submitRatios = append(w.submitRatios, ratio)
	if w.alreadyExists {
		return "", domain.ErrAlreadyExists
	}
	if w.submitErr != nil {
		return "", w.submitErr
	}
	ref := "0xtx1"
	if len(w.txRefs) > 0 {
		ref = w.txRefs[0]
		if len(w.txRefs) > 1 {
			w.txRefs = w.txRefs[1:]
		}
	}
	return ref, nil
}

func (w *fakeWriter) Confirm(_ context.Context, txRef string) (domain.CommitOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirmRefs = append(w.confirmRefs, txRef)
	if len(w.outcomes) == 0 {
		return domain.CommitConfirmed, nil
	}
	out := w.outcomes[0]
	if len(w.outcomes) > 1 {
		w.outcomes = w.outcomes[1:]
	}
	return out, nil
}

type fakeLocks struct {
	mu           sync.Mutex
	held         map[string]bool
	denyAll      bool
	acquisitions int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquisitions++
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string][]chan []byte
}

func newMemBus() *memBus {
	return &memBus{
		published: make(map[string][][]byte),
		subs:      make(map[string][]chan []byte),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) publishedOn(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[channel]...)
}

type memStatus struct {
	mu       sync.Mutex
	statuses map[string]domain.StrategyStatus
}

func newMemStatus() *memStatus {
	return &memStatus{statuses: make(map[string]domain.StrategyStatus)}
}

func (c *memStatus) Set(_ context.Context, status domain.StrategyStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[status.ID] = status
	return nil
}

func (c *memStatus) Get(_ context.Context, id string) (domain.StrategyStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[id]
	if !ok {
		return domain.StrategyStatus{}, domain.ErrNotFound
	}
	return s, nil
}

// fakeSource feeds scripted chain events to the dispatcher. Events closes
// when Run returns, per the EventSource contract.
type fakeSource struct {
	chain string
	ch    chan domain.ChainEvent
}

func newFakeSource(chain string) *fakeSource {
	return &fakeSource{chain: chain, ch: make(chan domain.ChainEvent, 8)}
}

func (s *fakeSource) Chain() string { return s.chain }

func (s *fakeSource) Events() <-chan domain.ChainEvent { return s.ch }

func (s *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(s.ch)
	return ctx.Err()
}

// harness bundles the fixture most worker tests share: the canonical 500-net
// strategy, venues that fill immediately, a bridge that delivers 495 out and
// 490 back, and a writer that confirms on the first try.
type harness struct {
	ledger  *memLedger
	audit   *memAudit
	futures *fakeVenue
	market  *fakeVenue
	bridge  *fakeBridge
	writer  *fakeWriter
	locks   *fakeLocks
	status  *memStatus
	bus     *memBus
	deps    *Deps
}

func newHarness() *harness {
	audit := newMemAudit()
	h := &harness{
		ledger:  newMemLedger(audit),
		audit:   audit,
		futures: &fakeVenue{name: "futures", submitRef: "f-ord-1", entryPrice: dec("64000"), closePnL: dec("20")},
		market:  &fakeVenue{name: "predmarket", submitRef: "m-ord-1", entryPrice: dec("0.65"), closePnL: dec("-5")},
		bridge: &fakeBridge{
			outbound: &bridgeRoute{ref: "br-out-1", delivered: dec("495")},
			back:     &bridgeRoute{ref: "br-ret-1", delivered: dec("490")},
		},
		writer: &fakeWriter{},
		locks:  newFakeLocks(),
		status: newMemStatus(),
		bus:    newMemBus(),
	}
	h.deps = &Deps{
		Ledger:  h.ledger,
		Audit:   h.audit,
		Futures: h.futures,
		Market:  h.market,
		Bridge:  h.bridge,
		Writer:  h.writer,
		Locks:   h.locks,
		Status:  h.status,
		Bus:     h.bus,
		Config: Config{
			CustodyChain:  "custody",
			MarketChain:   "market",
			DestAddress:   "0xdest",
			ReturnAddress: "0xvault",
		}.withDefaults(),
		Log: discardLogger(),
	}
	return h
}

func (h *harness) worker(id string) *worker {
	return newWorker(id, h.deps, func(*worker) bool { return true })
}

// seedStrategy builds the canonical instance: 500 net, short perp hedge plus
// a YES-token buy, no separate margin carve-out.
func seedStrategy(id string, state domain.State, maturity time.Time) domain.Strategy {
	return domain.Strategy{
		ID:          id,
		Buyer:       "0xbuyer",
		GrossAmount: dec("505"),
		NetAmount:   dec("500"),
		MaturityAt:  maturity,
		Spec: domain.StrategySpec{
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
		},
		State:   state,
		Version: 1,
		Legs: []domain.Leg{
			{
				StrategyID: id,
				Kind:       domain.LegFutures,
				Symbol:     "BTC-PERP",
				Side:       "short",
				Status:     domain.LegStatusPending,
				Size:       dec("500"),
			},
			{
				StrategyID: id,
				Kind:       domain.LegMarket,
				Symbol:     "tok-yes-1",
				Side:       "buy",
				Status:     domain.LegStatusPending,
				LimitPrice: dec("0.65"),
			},
		},
	}
}
