package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const statusTTL = 10 * time.Minute

// StatusCache implements domain.StatusCache using Redis hashes with JSON-
// serialized StrategyStatus snapshots.
//
// Key schema:
//
//	strategy:status:{id} - hash with field "data" containing JSON
type StatusCache struct {
	rdb *redis.Client
}

// NewStatusCache creates a StatusCache backed by the given Client.
func NewStatusCache(c *Client) *StatusCache {
	return &StatusCache{rdb: c.Underlying()}
}

func statusKey(id string) string { return "strategy:status:" + id }

// Set stores a status snapshot with a 10-minute TTL. The orchestrator writes
// one after every applied transition, so entries go stale only for strategies
// nothing is progressing.
func (sc *StatusCache) Set(ctx context.Context, status domain.StrategyStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal status %s: %w", status.ID, err)
	}

	key := statusKey(status.ID)

	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, statusTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set status %s: %w", status.ID, err)
	}
	return nil
}

// Get retrieves a status snapshot by strategy ID.
// It returns domain.ErrNotFound when the key does not exist.
func (sc *StatusCache) Get(ctx context.Context, id string) (domain.StrategyStatus, error) {
	data, err := sc.rdb.HGet(ctx, statusKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StrategyStatus{}, domain.ErrNotFound
		}
		return domain.StrategyStatus{}, fmt.Errorf("redis: get status %s: %w", id, err)
	}

	var status domain.StrategyStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return domain.StrategyStatus{}, fmt.Errorf("redis: unmarshal status %s: %w", id, err)
	}
	return status, nil
}

// Compile-time interface check.
var _ domain.StatusCache = (*StatusCache)(nil)
