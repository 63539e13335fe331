package chain

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// memCheckpoints is an in-memory CheckpointStore with monotonic saves.
type memCheckpoints struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{m: make(map[string]uint64)}
}

func (c *memCheckpoints) Load(ctx context.Context, chain string) (domain.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.m[chain]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return domain.Checkpoint{Chain: chain, BlockNumber: b}, nil
}

func (c *memCheckpoints) Save(ctx context.Context, chain string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[chain]; !ok || block > cur {
		c.m[chain] = block
	}
	return nil
}

func (c *memCheckpoints) get(chain string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[chain]
}

// fakeChain serves canned logs for any queried range.
type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testObserverConfig(window uint64) ObserverConfig {
	return ObserverConfig{
		Chain:           "custody",
		ContractAddress: "0x0000000000000000000000000000000000000001",
		Confirmations:   6,
		PollInterval:    10 * time.Millisecond,
		MaxBlockWindow:  window,
		AssetDecimals:   6,
	}
}

func strategyIDHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func purchaseLog(t *testing.T, id common.Hash, buyer common.Address, gross, net int64, spec []byte, block uint64) types.Log {
	t.Helper()
	data, err := vaultABI.Events["StrategyPurchased"].Inputs.NonIndexed().Pack(
		big.NewInt(gross), big.NewInt(net), spec,
	)
	require.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			topicStrategyPurchased,
			id,
			common.BytesToHash(common.LeftPadBytes(buyer.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xaa"),
		Index:       0,
	}
}

func deliveryLog(t *testing.T, ref string, amount int64, block uint64) types.Log {
	t.Helper()
	data, err := receiverABI.Events["TransferDelivered"].Inputs.NonIndexed().Pack(
		ref, big.NewInt(amount),
	)
	require.NoError(t, err)
	return types.Log{
		Topics:      []common.Hash{topicTransferDelivered},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbb"),
		Index:       1,
	}
}

func TestDecodePurchaseLog(t *testing.T) {
	buyer := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	spec := []byte(`{"futures":{"symbol":"ETH-PERP"}}`)
	lg := purchaseLog(t, strategyIDHash(0x07), buyer, 510_000_000, 500_000_000, spec, 998)

	ev, ok, err := decodeVaultLog(lg, 6)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.EventStrategyPurchased, ev.Kind)
	assert.Equal(t, strategyIDHash(0x07).Hex(), ev.StrategyID)
	assert.Equal(t, buyer.Hex(), ev.Buyer)
	assert.True(t, ev.GrossAmount.Equal(decimal.RequireFromString("510")), "gross = %s", ev.GrossAmount)
	assert.True(t, ev.NetAmount.Equal(decimal.RequireFromString("500")), "net = %s", ev.NetAmount)
	assert.Equal(t, spec, ev.SpecJSON)
	assert.Equal(t, uint64(998), ev.BlockNumber)
}

func TestDecodeSkipsForeignLog(t *testing.T) {
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}
	_, ok, err := decodeVaultLog(lg, 6)
	require.NoError(t, err)
	assert.False(t, ok, "unrelated topics must be skipped, not errored")
}

func TestDecodeDeliveryLog(t *testing.T) {
	lg := deliveryLog(t, "br-77", 495_000_000, 1200)

	ev, ok, err := decodeReceiverLog(lg, 6)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.EventTransferDelivered, ev.Kind)
	assert.Equal(t, "br-77", ev.TransferRef)
	assert.True(t, ev.DeliveredAmount.Equal(decimal.RequireFromString("495")),
		"delivered = %s", ev.DeliveredAmount)
}

func TestScanInitializesCheckpointOnFirstRun(t *testing.T) {
	f := &fakeChain{head: 1000}
	cps := newMemCheckpoints()
	o := NewVaultObserver(f, testObserverConfig(2000), cps, testLogger())

	require.NoError(t, o.scan(context.Background()))

	assert.Equal(t, uint64(994), cps.get("custody"), "first run records head minus confirmations")
	assert.Empty(t, f.queries, "first run must not replay history")
	assert.Empty(t, o.events)
}

func TestScanEmitsFromCheckpointAndAdvances(t *testing.T) {
	buyer := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	f := &fakeChain{
		head: 1006, // safe head = 1000
		logs: []types.Log{
			purchaseLog(t, strategyIDHash(0x01), buyer, 510_000_000, 500_000_000, []byte(`{}`), 996),
			purchaseLog(t, strategyIDHash(0x02), buyer, 100_000_000, 99_000_000, []byte(`{}`), 999),
		},
	}
	cps := newMemCheckpoints()
	cps.m["custody"] = 994

	o := NewVaultObserver(f, testObserverConfig(2000), cps, testLogger())
	require.NoError(t, o.scan(context.Background()))

	require.Len(t, o.events, 2)
	first := <-o.events
	second := <-o.events
	assert.Equal(t, strategyIDHash(0x01).Hex(), first.StrategyID, "events must arrive in block order")
	assert.Equal(t, strategyIDHash(0x02).Hex(), second.StrategyID)
	assert.Equal(t, "custody", first.Chain)

	assert.Equal(t, uint64(1000), cps.get("custody"), "checkpoint advances to the confirmed head")

	require.Len(t, f.queries, 1)
	assert.Equal(t, uint64(995), f.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(1000), f.queries[0].ToBlock.Uint64())
}

func TestScanBoundsWindows(t *testing.T) {
	f := &fakeChain{head: 31} // safe head = 25
	cps := newMemCheckpoints()
	cps.m["custody"] = 0

	o := NewVaultObserver(f, testObserverConfig(10), cps, testLogger())
	require.NoError(t, o.scan(context.Background()))

	require.Len(t, f.queries, 3, "25 blocks at window 10 take three queries")
	assert.Equal(t, uint64(1), f.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(10), f.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(11), f.queries[1].FromBlock.Uint64())
	assert.Equal(t, uint64(20), f.queries[1].ToBlock.Uint64())
	assert.Equal(t, uint64(21), f.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(25), f.queries[2].ToBlock.Uint64())
	assert.Equal(t, uint64(25), cps.get("custody"))
}

func TestScanSkipsRemovedLogs(t *testing.T) {
	buyer := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	removed := purchaseLog(t, strategyIDHash(0x03), buyer, 1_000_000, 900_000, []byte(`{}`), 996)
	removed.Removed = true

	f := &fakeChain{head: 1006, logs: []types.Log{removed}}
	cps := newMemCheckpoints()
	cps.m["custody"] = 994

	o := NewVaultObserver(f, testObserverConfig(2000), cps, testLogger())
	require.NoError(t, o.scan(context.Background()))
	assert.Empty(t, o.events, "reorged-out logs must not be emitted")
}

func TestRunStopsOnCancelAndClosesEvents(t *testing.T) {
	f := &fakeChain{head: 100}
	o := NewVaultObserver(f, testObserverConfig(2000), newMemCheckpoints(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	_, open := <-o.Events()
	assert.False(t, open, "events channel must be closed after Run returns")
}
