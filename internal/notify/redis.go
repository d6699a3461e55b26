package notify

import (
	"context"
	"errors"

	"github.com/BatmanBruc/coinmeter/store"
)

// RedisPublisher publishes every event as JSON on the per-user channel
// "<prefix>:events:<userID>", where the realtime gateway picks it up.
type RedisPublisher struct {
	client *store.RedisClient
}

func NewRedisPublisher(client *store.RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Channel(userID string) string {
	return p.client.Key("events", userID)
}

func (p *RedisPublisher) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, userID := range ev.Recipients {
		if err := p.client.Publish(ctx, p.Channel(userID), ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
