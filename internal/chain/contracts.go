package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// Contract ABIs. The vault lives on the custody chain: it takes purchases,
// accepts settlement requests, and records committed payout ratios. The
// receiver lives on the market chain and acknowledges bridge deliveries.
var (
	vaultABI    abi.ABI
	receiverABI abi.ABI

	topicStrategyPurchased   common.Hash
	topicSettlementRequested common.Hash
	topicSettlementCommitted common.Hash
	topicTransferDelivered   common.Hash
)

func init() {
	var err error

	vaultABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "StrategyPurchased",
			"type": "event",
			"inputs": [
				{"name": "strategyId", "type": "bytes32", "indexed": true},
				{"name": "buyer", "type": "address", "indexed": true},
				{"name": "grossAmount", "type": "uint256", "indexed": false},
				{"name": "netAmount", "type": "uint256", "indexed": false},
				{"name": "spec", "type": "bytes", "indexed": false}
			]
		},
		{
			"name": "SettlementRequested",
			"type": "event",
			"inputs": [
				{"name": "strategyId", "type": "bytes32", "indexed": true},
				{"name": "requester", "type": "address", "indexed": true}
			]
		},
		{
			"name": "SettlementCommitted",
			"type": "event",
			"inputs": [
				{"name": "strategyId", "type": "bytes32", "indexed": true},
				{"name": "payoutRatio", "type": "uint256", "indexed": false}
			]
		},
		{
			"name": "commitSettlement",
			"type": "function",
			"inputs": [
				{"name": "strategyId", "type": "bytes32"},
				{"name": "payoutRatio", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "settlements",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "strategyId", "type": "bytes32"}
			],
			"outputs": [
				{"name": "payoutRatio", "type": "uint256"},
				{"name": "committed", "type": "bool"}
			]
		}
	]`))
	if err != nil {
		panic("vault abi parse: " + err.Error())
	}

	receiverABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "TransferDelivered",
			"type": "event",
			"inputs": [
				{"name": "transferRef", "type": "string", "indexed": false},
				{"name": "amount", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("receiver abi parse: " + err.Error())
	}

	topicStrategyPurchased = vaultABI.Events["StrategyPurchased"].ID
	topicSettlementRequested = vaultABI.Events["SettlementRequested"].ID
	topicSettlementCommitted = vaultABI.Events["SettlementCommitted"].ID
	topicTransferDelivered = receiverABI.Events["TransferDelivered"].ID
}

// --------------------------------------------------------------------------
// Log decoding
// --------------------------------------------------------------------------

// decodeVaultLog maps a vault contract log to a normalized event. Logs that
// are not lifecycle events return ok=false.
func decodeVaultLog(lg types.Log, decimals int32) (domain.ChainEvent, bool, error) {
	if len(lg.Topics) == 0 {
		return domain.ChainEvent{}, false, nil
	}

	switch lg.Topics[0] {
	case topicStrategyPurchased:
		if len(lg.Topics) < 3 {
			return domain.ChainEvent{}, false, fmt.Errorf("chain: purchase log missing topics")
		}
		vals, err := vaultABI.Unpack("StrategyPurchased", lg.Data)
		if err != nil {
			return domain.ChainEvent{}, false, fmt.Errorf("chain: unpack purchase: %w", err)
		}
		gross, ok1 := vals[0].(*big.Int)
		net, ok2 := vals[1].(*big.Int)
		spec, ok3 := vals[2].([]byte)
		if !ok1 || !ok2 || !ok3 {
			return domain.ChainEvent{}, false, fmt.Errorf("chain: purchase log has unexpected field types")
		}

		ev := baseEvent(lg)
		ev.Kind = domain.EventStrategyPurchased
		ev.StrategyID = lg.Topics[1].Hex()
		ev.Buyer = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		ev.GrossAmount = fromUnits(gross, decimals)
		ev.NetAmount = fromUnits(net, decimals)
		ev.SpecJSON = spec
		return ev, true, nil

	case topicSettlementRequested:
		if len(lg.Topics) < 2 {
			return domain.ChainEvent{}, false, fmt.Errorf("chain: settlement-request log missing topics")
		}
		ev := baseEvent(lg)
		ev.Kind = domain.EventSettlementRequested
		ev.StrategyID = lg.Topics[1].Hex()
		if len(lg.Topics) >= 3 {
			ev.Buyer = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		}
		return ev, true, nil
	}

	return domain.ChainEvent{}, false, nil
}

// decodeReceiverLog maps a receiver contract log to a delivery event.
func decodeReceiverLog(lg types.Log, decimals int32) (domain.ChainEvent, bool, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != topicTransferDelivered {
		return domain.ChainEvent{}, false, nil
	}

	vals, err := receiverABI.Unpack("TransferDelivered", lg.Data)
	if err != nil {
		return domain.ChainEvent{}, false, fmt.Errorf("chain: unpack delivery: %w", err)
	}
	ref, ok1 := vals[0].(string)
	amount, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return domain.ChainEvent{}, false, fmt.Errorf("chain: delivery log has unexpected field types")
	}

	ev := baseEvent(lg)
	ev.Kind = domain.EventTransferDelivered
	ev.TransferRef = ref
	ev.DeliveredAmount = fromUnits(amount, decimals)
	return ev, true, nil
}

func baseEvent(lg types.Log) domain.ChainEvent {
	return domain.ChainEvent{
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
	}
}

// --------------------------------------------------------------------------
// Unit conversion
// --------------------------------------------------------------------------

// fromUnits converts a raw on-chain integer amount to a decimal at the
// chain's asset scale.
func fromUnits(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}

// toUnits converts a decimal amount to raw on-chain units, truncating any
// precision beyond the asset scale.
func toUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte. Strategy ids
// cross the system as the hex form of the vault's bytes32 key.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("chain: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: decode strategy id: %w", err)
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
