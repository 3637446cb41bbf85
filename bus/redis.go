package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events to Redis Pub/Sub channels named after the topic.
// This is the realtime leg: websocket hubs on every instance subscribe to the
// same channels.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic, event string, payload any) error {
	body, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", topic, err)
	}
	return nil
}
