package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const (
	// commitGasLimit is the conservative fallback when estimation fails.
	commitGasLimit = uint64(150_000)

	// ratioWadDecimals is the fixed-point scale of the on-chain payout ratio.
	ratioWadDecimals = 18

	// gasPriceTTL bounds how long a suggested gas price is reused.
	gasPriceTTL = 5 * time.Minute

	// chainVenue tags transient RPC failures so workers retry them with
	// backoff instead of failing the strategy.
	chainVenue = "custody_chain"
)

// txClient is the slice of the RPC client surface the writer uses.
type txClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// WriterConfig carries the custody-chain parameters for settlement commits.
type WriterConfig struct {
	ContractAddress string
	ChainID         int64
}

// Writer commits payout ratios to the vault contract on the custody chain.
// Submit consults the contract's recorded settlement before sending, so a
// resubmission after a crash resumes instead of double-paying.
type Writer struct {
	client     txClient
	contract   common.Address
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
	log        *slog.Logger

	mu           sync.Mutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

var _ domain.SettlementWriter = (*Writer)(nil)

// NewWriter creates a settlement writer signing with the given private key.
func NewWriter(client txClient, cfg WriterConfig, privateKeyHex string, logger *slog.Logger) (*Writer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid writer key: %w", err)
	}

	return &Writer{
		client:     client,
		contract:   common.HexToAddress(cfg.ContractAddress),
		chainID:    big.NewInt(cfg.ChainID),
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		log:        logger.With(slog.String("component", "settlement_writer")),
	}, nil
}

// Submit sends the commitSettlement transaction and returns its hash. When
// the vault already records a committed settlement for the strategy it
// returns ErrAlreadyExists without sending; a recorded ratio that differs
// from the requested one is reported as an error because it means the chain
// and the ledger disagree.
func (w *Writer) Submit(ctx context.Context, strategyID string, payoutRatio decimal.Decimal) (string, error) {
	idBytes, err := hexToBytes32(strategyID)
	if err != nil {
		return "", err
	}

	wantWad := payoutRatio.Shift(ratioWadDecimals).Truncate(0).BigInt()

	recordedWad, committed, err := w.recordedSettlement(ctx, idBytes)
	if err != nil {
		return "", fmt.Errorf("chain: read recorded settlement: %w", err)
	}
	if committed {
		if recordedWad.Cmp(wantWad) != 0 {
			return "", fmt.Errorf("chain: vault records ratio %s for %s, ledger wants %s",
				recordedWad, strategyID, wantWad)
		}
		return "", fmt.Errorf("chain: settlement for %s: %w", strategyID, domain.ErrAlreadyExists)
	}

	callData, err := vaultABI.Pack("commitSettlement", idBytes, wantWad)
	if err != nil {
		return "", fmt.Errorf("chain: pack commit: %w", err)
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &domain.TransientVenueError{Venue: chainVenue, Op: "pending_nonce", Err: err}
	}

	gasPrice, err := w.gasPrice(ctx)
	if err != nil {
		return "", &domain.TransientVenueError{Venue: chainVenue, Op: "suggest_gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     w.address,
		To:       &w.contract,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasLimit = commitGasLimit
		w.log.Warn("gas estimate failed, using fallback",
			slog.Uint64("limit", commitGasLimit), slog.Any("err", err))
	}
	// 20% headroom over the estimate.
	gasLimit = gasLimit * 12 / 10

	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), gasLimit, gasPrice, callData)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("chain: sign commit tx: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &domain.TransientVenueError{Venue: chainVenue, Op: "send_commit", Err: err}
	}

	txRef := signedTx.Hash().Hex()
	w.log.Info("settlement commit sent",
		slog.String("strategy_id", strategyID),
		slog.String("tx", txRef),
		slog.String("ratio", payoutRatio.String()))
	return txRef, nil
}

// Confirm checks a commit transaction once. A missing receipt means the tx
// is still pending; the caller drives the retry cadence.
func (w *Writer) Confirm(ctx context.Context, txRef string) (domain.CommitOutcome, error) {
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.CommitPending, nil
		}
		return domain.CommitPending, &domain.TransientVenueError{Venue: chainVenue, Op: "receipt", Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.CommitReverted, nil
	}
	return domain.CommitConfirmed, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// recordedSettlement reads the vault's settlements(strategyId) view.
func (w *Writer) recordedSettlement(ctx context.Context, idBytes [32]byte) (*big.Int, bool, error) {
	callData, err := vaultABI.Pack("settlements", idBytes)
	if err != nil {
		return nil, false, err
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.contract,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, false, &domain.TransientVenueError{Venue: chainVenue, Op: "settlements_view", Err: err}
	}

	vals, err := vaultABI.Unpack("settlements", result)
	if err != nil || len(vals) < 2 {
		return nil, false, fmt.Errorf("unpack settlements view: %w", err)
	}

	ratio, ok1 := vals[0].(*big.Int)
	committed, ok2 := vals[1].(bool)
	if !ok1 || !ok2 {
		return nil, false, fmt.Errorf("settlements view has unexpected types")
	}
	return ratio, committed, nil
}

// gasPrice returns a buffered suggested gas price, cached briefly to avoid
// hammering the RPC on resubmission bursts.
func (w *Writer) gasPrice(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cachedGasWei != nil && time.Since(w.gasUpdatedAt) < gasPriceTTL {
		return w.cachedGasWei, nil
	}

	price, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		if w.cachedGasWei != nil {
			return w.cachedGasWei, nil
		}
		return nil, err
	}

	// 10% buffer for faster inclusion; copy so the suggestion is not mutated.
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	w.cachedGasWei = buffered
	w.gasUpdatedAt = time.Now()
	return buffered, nil
}
