package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

// Load returns the last saved checkpoint for the chain, or ErrNotFound when
// the chain has never been observed.
func (s *CheckpointStore) Load(ctx context.Context, chain string) (domain.Checkpoint, error) {
	const query = `SELECT chain, block_number, updated_at FROM chain_checkpoints WHERE chain = $1`

	var cp domain.Checkpoint
	var block int64
	err := s.pool.QueryRow(ctx, query, chain).Scan(&cp.Chain, &block, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Checkpoint{}, domain.ErrNotFound
		}
		return domain.Checkpoint{}, fmt.Errorf("postgres: load checkpoint %s: %w", chain, err)
	}
	cp.BlockNumber = uint64(block)
	return cp, nil
}

// Save upserts the checkpoint for the chain. Saves are monotonic: a stored
// checkpoint never moves backwards, so a racing older save is a no-op.
func (s *CheckpointStore) Save(ctx context.Context, chain string, block uint64) error {
	const query = `
		INSERT INTO chain_checkpoints (chain, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE
		SET block_number = GREATEST(chain_checkpoints.block_number, EXCLUDED.block_number),
		    updated_at   = NOW()`

	if _, err := s.pool.Exec(ctx, query, chain, int64(block)); err != nil {
		return fmt.Errorf("postgres: save checkpoint %s@%d: %w", chain, block, err)
	}
	return nil
}
