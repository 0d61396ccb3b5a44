package redis

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"lastmile/internal/bus"
)

// DefaultChannelPrefix prefixes every channel the publisher writes to.
const DefaultChannelPrefix = "lastmile"

// Publisher forwards bus events to Redis pub/sub so that other processes can
// follow delivery changes. One channel per event type: <prefix>:<eventType>.
type Publisher struct {
	client *redis.Client
	prefix string
}

// NewPublisher creates a Publisher. An empty prefix uses DefaultChannelPrefix.
func NewPublisher(client *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

// Channel returns the channel name used for t.
func (p *Publisher) Channel(t bus.EventType) string {
	return fmt.Sprintf("%s:%s", p.prefix, t)
}

// Handle is a bus.Handler.
func (p *Publisher) Handle(ctx context.Context, e bus.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(e.Type), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
