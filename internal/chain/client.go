// Package chain connects the orchestrator to the custody and market chains:
// dialing RPC endpoints, observing contract events from persisted
// checkpoints, and committing settlement ratios back to the vault.
package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Dial connects to a chain RPC endpoint and verifies it serves the expected
// chain id, catching endpoint/config mixups before any state is read.
func Dial(ctx context.Context, rpcURL string, wantChainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: query chain id: %w", err)
	}
	if got.Int64() != wantChainID {
		client.Close()
		return nil, fmt.Errorf("chain: rpc serves chain %d, config expects %d", got.Int64(), wantChainID)
	}

	return client, nil
}
