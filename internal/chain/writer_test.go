package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// Well-known throwaway key (Hardhat account #0).
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testStrategyID = "0x0000000000000000000000000000000000000000000000000000000000000007"

// fakeTxClient answers the writer's RPC calls from canned state.
type fakeTxClient struct {
	recordedRatio *big.Int
	committed     bool

	sent    *types.Transaction
	receipt *types.Receipt
}

func (f *fakeTxClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeTxClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeTxClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeTxClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = tx
	return nil
}

func (f *fakeTxClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeTxClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ratio := f.recordedRatio
	if ratio == nil {
		ratio = big.NewInt(0)
	}
	return vaultABI.Methods["settlements"].Outputs.Pack(ratio, f.committed)
}

func newTestWriter(t *testing.T, f *fakeTxClient) *Writer {
	t.Helper()
	w, err := NewWriter(f, WriterConfig{
		ContractAddress: "0x0000000000000000000000000000000000000002",
		ChainID:         42161,
	}, testKeyHex, testLogger())
	require.NoError(t, err)
	return w
}

func TestSubmitSendsCommitTransaction(t *testing.T) {
	f := &fakeTxClient{}
	w := newTestWriter(t, f)

	txRef, err := w.Submit(context.Background(), testStrategyID, decimal.RequireFromString("1.03"))
	require.NoError(t, err)
	require.NotNil(t, f.sent, "a transaction must be sent")
	assert.Equal(t, f.sent.Hash().Hex(), txRef)

	assert.Equal(t, w.contract, *f.sent.To())
	assert.Equal(t, uint64(7), f.sent.Nonce())
	assert.Zero(t, f.sent.Value().Sign(), "commit carries no native value")
	assert.Equal(t, uint64(108_000), f.sent.Gas(), "estimate 90k plus 20% headroom")

	method := vaultABI.Methods["commitSettlement"]
	calldata := f.sent.Data()
	require.GreaterOrEqual(t, len(calldata), 4)
	assert.Equal(t, method.ID, calldata[:4])

	vals, err := method.Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	id := vals[0].([32]byte)
	assert.Equal(t, testStrategyID, common.BytesToHash(id[:]).Hex())
	wad := vals[1].(*big.Int)
	assert.Equal(t, "1030000000000000000", wad.String(), "ratio 1.03 as 1e18 wad")
}

func TestSubmitSkipsWhenAlreadyCommitted(t *testing.T) {
	f := &fakeTxClient{
		recordedRatio: big.NewInt(1_030_000_000_000_000_000),
		committed:     true,
	}
	w := newTestWriter(t, f)

	_, err := w.Submit(context.Background(), testStrategyID, decimal.RequireFromString("1.03"))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Nil(t, f.sent, "an already-committed settlement must not be resent")
}

func TestSubmitRejectsRatioMismatch(t *testing.T) {
	f := &fakeTxClient{
		recordedRatio: big.NewInt(990_000_000_000_000_000), // 0.99 on chain
		committed:     true,
	}
	w := newTestWriter(t, f)

	_, err := w.Submit(context.Background(), testStrategyID, decimal.RequireFromString("1.03"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Contains(t, err.Error(), "ledger wants", "a chain/ledger disagreement must surface loudly")
}

func TestSubmitRejectsMalformedStrategyID(t *testing.T) {
	w := newTestWriter(t, &fakeTxClient{})
	_, err := w.Submit(context.Background(), "strat-1", decimal.RequireFromString("1.0"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex chars")
}

func TestConfirmOutcomes(t *testing.T) {
	f := &fakeTxClient{}
	w := newTestWriter(t, f)

	outcome, err := w.Confirm(context.Background(), "0xabc1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitPending, outcome, "missing receipt means still pending")

	f.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	outcome, err = w.Confirm(context.Background(), "0xabc1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitConfirmed, outcome)

	f.receipt = &types.Receipt{Status: types.ReceiptStatusFailed}
	outcome, err = w.Confirm(context.Background(), "0xabc1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitReverted, outcome)
}
