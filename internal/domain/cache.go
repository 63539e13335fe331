package domain

import (
	"context"
	"time"
)

// StatusCache caches StrategyStatus snapshots for the read API. Get returns
// ErrNotFound on a miss; callers fall back to the ledger.
type StatusCache interface {
	Set(ctx context.Context, status StrategyStatus) error
	Get(ctx context.Context, id string) (StrategyStatus, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. The orchestrator holds one lock
// per strategy id so only one process owns a strategy's worker at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus is fire-and-forget pub/sub. The orchestrator publishes
// transition snapshots on it; the WebSocket hub and the notify worker
// subscribe. Durable history lives in the audit log, not on the bus.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
