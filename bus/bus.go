// Package bus provides the event-fan-out capability the broadcaster
// publishes through: Redis Pub/Sub for realtime subscribers and NATS
// JetStream for the durable archival stream.
package bus

import "context"

// Envelope is the wire shape of every published event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Bus publishes one event to one topic. Delivery guarantees belong to the
// backend; the engine treats every publication as best-effort.
type Bus interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Multi fans one publication out to several buses, best-effort each; the
// first error is returned after every bus has been attempted.
type Multi []Bus

func (m Multi) Publish(ctx context.Context, topic, event string, payload any) error {
	var first error
	for _, b := range m {
		if err := b.Publish(ctx, topic, event, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
