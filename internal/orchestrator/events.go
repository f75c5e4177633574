package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"miniquant/internal/logger"
)

// DefaultEventChannel is the Redis channel task events are published on
const DefaultEventChannel = "miniquant:sensitivity:events"

// EventBus carries task events beyond this process, e.g. to other API
// replicas or dashboards
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// EventHandler receives events from a bus subscription
type EventHandler func(ev Event)

// RedisEventBus implements EventBus using Redis pub/sub
type RedisEventBus struct {
	client  *redis.Client
	channel string
	logger  logger.Logger
}

// NewRedisEventBus creates a bus on an existing client. The bus does not
// own the client.
func NewRedisEventBus(client *redis.Client, channel string) *RedisEventBus {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &RedisEventBus{
		client:  client,
		channel: channel,
		logger:  logger.WithField("component", "event_bus").WithField("channel", channel),
	}
}

// Publish serializes the event to JSON and publishes it
func (b *RedisEventBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", err)
	}
	return nil
}

// Subscribe delivers every event on the channel to handler until ctx is
// done. It returns once the subscription is confirmed; delivery continues
// in the background.
func (b *RedisEventBus) Subscribe(ctx context.Context, handler EventHandler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Dropping malformed event", "error", err)
					continue
				}
				b.dispatch(handler, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *RedisEventBus) dispatch(handler EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic", "task_id", ev.TaskID, "panic", r)
		}
	}()
	handler(ev)
}

// Close is a no-op, the client belongs to the caller
func (b *RedisEventBus) Close() error {
	return nil
}
