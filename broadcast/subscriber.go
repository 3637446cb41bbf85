package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscriber bridges Redis Pub/Sub into the local hub. Every instance runs
// one: it pattern-subscribes to all auction and watcher topics and forwards
// each message to whatever local room matches, so a bid committed on one node
// reaches sockets held by every node.
type Subscriber struct {
	client *redis.Client
	hub    *Hub
	log    *slog.Logger
}

func NewSubscriber(client *redis.Client, hub *Hub, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{client: client, hub: hub, log: log}
}

// Run blocks pumping messages until the context is cancelled. Redis drops and
// reconnects are handled inside go-redis; a nil channel read means the
// subscription is gone for good and Run returns.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, "auction:*", "watchers:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("broadcast subscriber running")

	ch := pubsub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.hub.Deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}
