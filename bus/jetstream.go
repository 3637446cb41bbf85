package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName     = "AUCTION_EVENTS"
	subjectPrefix  = "auction.events."
	streamMaxAge   = 24 * time.Hour
	publishTimeout = 5 * time.Second
)

// JetStreamBus publishes events to a persistent NATS JetStream stream for
// archival and downstream consumers. Publishes wait for the server ack so a
// returned nil means the event is stored.
type JetStreamBus struct {
	js jetstream.JetStream
}

// NewJetStreamBus creates the JetStream context and ensures the event stream
// exists.
func NewJetStreamBus(ctx context.Context, conn *nats.Conn) (*JetStreamBus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ensureCtx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Auction domain events",
		Subjects:    []string{subjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		MaxAge:      streamMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: ensure stream: %w", err)
	}

	return &JetStreamBus{js: js}, nil
}

func (b *JetStreamBus) Publish(ctx context.Context, topic, event string, payload any) error {
	body, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := b.js.Publish(pubCtx, subjectFor(topic), body); err != nil {
		return fmt.Errorf("bus: jetstream publish %s: %w", topic, err)
	}
	return nil
}

// subjectFor maps a colon-scoped topic like auction:123 onto a JetStream
// subject under the event stream.
func subjectFor(topic string) string {
	return subjectPrefix + strings.ReplaceAll(topic, ":", ".")
}
