package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the lock key only while it still holds the caller's
// token. A holder whose TTL lapsed cannot release the lock from whoever
// acquired it next.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX + TTL and a token-
// checked release. The TTL is the safety net for crashed holders; live
// holders release explicitly. Serialization of ledger writes does not rest
// on this lock alone: the versioned CAS in the ledger rejects a stale owner
// that outlived its TTL.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the lock for key, or returns domain.ErrLockHeld when another
// party holds it. The returned unlock func is idempotent and safe across
// goroutines.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	redisKey := "lock:" + key

	ok, err := lm.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// The caller's context is often already cancelled at release
			// time; use a fresh one so shutdown still frees the lock.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			lm.release.Run(releaseCtx, lm.rdb, []string{redisKey}, token)
		})
	}
	return unlock, nil
}
