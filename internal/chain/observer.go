package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// eventBuffer bounds the in-flight events between a scan and its consumer.
const eventBuffer = 256

// logReader is the slice of the RPC client surface the observer uses.
type logReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// logDecoder maps a raw contract log to a normalized event; ok=false drops
// logs that are not lifecycle events.
type logDecoder func(lg types.Log, decimals int32) (domain.ChainEvent, bool, error)

// ObserverConfig carries the per-chain polling parameters.
type ObserverConfig struct {
	Chain           string
	ContractAddress string
	Confirmations   uint64
	PollInterval    time.Duration
	MaxBlockWindow  uint64
	AssetDecimals   int32
}

// Observer polls one chain's contract logs and emits normalized events in
// block order. Progress is checkpointed after each fully scanned window, so
// a restart resumes where the last run stopped; delivery is therefore
// at-least-once and consumers deduplicate against the ledger.
type Observer struct {
	cfg         ObserverConfig
	client      logReader
	contract    common.Address
	topics      []common.Hash
	decode      logDecoder
	checkpoints domain.CheckpointStore
	events      chan domain.ChainEvent
	log         *slog.Logger
}

var _ domain.EventSource = (*Observer)(nil)

// NewVaultObserver watches the custody-chain vault for purchases and
// settlement requests.
func NewVaultObserver(client logReader, cfg ObserverConfig, checkpoints domain.CheckpointStore, logger *slog.Logger) *Observer {
	return newObserver(client, cfg, checkpoints, logger,
		[]common.Hash{topicStrategyPurchased, topicSettlementRequested},
		decodeVaultLog,
	)
}

// NewReceiverObserver watches the market-chain receiver for bridge
// deliveries.
func NewReceiverObserver(client logReader, cfg ObserverConfig, checkpoints domain.CheckpointStore, logger *slog.Logger) *Observer {
	return newObserver(client, cfg, checkpoints, logger,
		[]common.Hash{topicTransferDelivered},
		decodeReceiverLog,
	)
}

func newObserver(client logReader, cfg ObserverConfig, checkpoints domain.CheckpointStore, logger *slog.Logger, topics []common.Hash, decode logDecoder) *Observer {
	return &Observer{
		cfg:         cfg,
		client:      client,
		contract:    common.HexToAddress(cfg.ContractAddress),
		topics:      topics,
		decode:      decode,
		checkpoints: checkpoints,
		events:      make(chan domain.ChainEvent, eventBuffer),
		log:         logger.With(slog.String("component", "observer"), slog.String("chain", cfg.Chain)),
	}
}

// Chain names the observed chain.
func (o *Observer) Chain() string { return o.cfg.Chain }

// Events returns the event stream. It is closed when Run returns.
func (o *Observer) Events() <-chan domain.ChainEvent { return o.events }

// Run polls until the context is cancelled. Scan failures are logged and
// retried on the next tick; the checkpoint only advances past fully
// delivered windows, so nothing is lost across failures or restarts.
func (o *Observer) Run(ctx context.Context) error {
	defer close(o.events)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.scanAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.scanAndLog(ctx)
		}
	}
}

func (o *Observer) scanAndLog(ctx context.Context) {
	if err := o.scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn("scan failed, will retry", slog.Any("err", err))
	}
}

// scan walks from the checkpoint to the confirmed head in bounded windows.
func (o *Observer) scan(ctx context.Context) error {
	head, err := o.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain/%s: block number: %w", o.cfg.Chain, err)
	}
	if head < o.cfg.Confirmations {
		return nil
	}
	safe := head - o.cfg.Confirmations

	from, err := o.nextBlock(ctx, safe)
	if err != nil || from == 0 {
		return err
	}

	for from <= safe {
		to := from + o.cfg.MaxBlockWindow - 1
		if to > safe {
			to = safe
		}

		logs, err := o.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{o.contract},
			Topics:    [][]common.Hash{o.topics},
		})
		if err != nil {
			return fmt.Errorf("chain/%s: filter logs [%d, %d]: %w", o.cfg.Chain, from, to, err)
		}

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, ok, err := o.decode(lg, o.cfg.AssetDecimals)
			if err != nil {
				o.log.Warn("undecodable log skipped",
					slog.String("tx", lg.TxHash.Hex()),
					slog.Uint64("block", lg.BlockNumber),
					slog.Any("err", err))
				continue
			}
			if !ok {
				continue
			}
			ev.Chain = o.cfg.Chain

			select {
			case o.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := o.checkpoints.Save(ctx, o.cfg.Chain, to); err != nil {
			return fmt.Errorf("chain/%s: save checkpoint %d: %w", o.cfg.Chain, to, err)
		}
		from = to + 1
	}

	return nil
}

// nextBlock returns the first unscanned block. A chain never observed
// before starts at the current confirmed head rather than replaying
// history; the initial checkpoint is persisted and 0 is returned to skip
// this tick.
func (o *Observer) nextBlock(ctx context.Context, safe uint64) (uint64, error) {
	cp, err := o.checkpoints.Load(ctx, o.cfg.Chain)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("chain/%s: load checkpoint: %w", o.cfg.Chain, err)
		}
		if err := o.checkpoints.Save(ctx, o.cfg.Chain, safe); err != nil {
			return 0, fmt.Errorf("chain/%s: init checkpoint: %w", o.cfg.Chain, err)
		}
		o.log.Info("checkpoint initialized", slog.Uint64("block", safe))
		return 0, nil
	}
	return cp.BlockNumber + 1, nil
}
