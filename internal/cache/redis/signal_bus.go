package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
	"github.com/redis/go-redis/v9"
)

// subscribeBuffer is the per-subscription delivery buffer. Subscribers that
// fall this far behind lose messages; every consumer treats the bus as a
// wake-up signal and re-reads authoritative state from the ledger or cache.
const subscribeBuffer = 128

// SignalBus implements domain.SignalBus over Redis Pub/Sub. Delivery is
// at-most-once to currently connected subscribers.
type SignalBus struct {
	rdb *redis.Client
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends a raw byte payload to a channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription and returns a channel of raw payloads.
// Channel names containing glob metacharacters use pattern subscription.
// Cancelling ctx tears the subscription down and closes the returned
// channel.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Receive the subscription confirmation so a misconfigured Redis fails
	// here instead of silently delivering nothing.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go sb.forward(ctx, pubsub, out)
	return out, nil
}

// forward copies pubsub payloads to out until ctx ends or the subscription
// drops.
func (sb *SignalBus) forward(ctx context.Context, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}
