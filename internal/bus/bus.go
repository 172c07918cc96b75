// Package bus publishes domain events after the store commit they describe.
//
// Delivery is best effort. A publish failure never undoes the write it
// reports; callers log it and move on.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/michi/internal/model"
)

// DefaultChannel is the channel name used when none is configured.
const DefaultChannel = "michi_events"

// Publisher sends one domain event to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev model.DomainEvent) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, model.DomainEvent) error { return nil }

// RedisPublisher publishes JSON-encoded events with Redis PUBLISH.
type RedisPublisher struct {
	rdb     redis.Cmdable
	channel string
}

// NewRedis creates a publisher on the given Redis channel.
func NewRedis(rdb redis.Cmdable, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev model.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", ev.Type, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Notifier is the NOTIFY side of the durable store.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// PostgresPublisher publishes events with pg_notify.
type PostgresPublisher struct {
	n          Notifier
	channel    string
	maxPayload int
}

// NewPostgres creates a publisher that notifies on channel. Payloads at or
// above maxPayload bytes are sent without their payload map.
func NewPostgres(n Notifier, channel string, maxPayload int) *PostgresPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresPublisher{n: n, channel: channel, maxPayload: maxPayload}
}

func (p *PostgresPublisher) Publish(ctx context.Context, ev model.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", ev.Type, err)
	}
	if p.maxPayload > 0 && len(data) >= p.maxPayload {
		ev.Payload = map[string]any{"truncated": true}
		if data, err = json.Marshal(ev); err != nil {
			return fmt.Errorf("bus: encode %s: %w", ev.Type, err)
		}
	}
	if err := p.n.Notify(ctx, p.channel, string(data)); err != nil {
		return fmt.Errorf("bus: notify %s: %w", ev.Type, err)
	}
	return nil
}
