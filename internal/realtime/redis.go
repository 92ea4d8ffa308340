package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/koe/internal/model"
)

const channelPrefix = "koe:session:"

// subscriberBuffer bounds the per-subscription event queue. A subscriber that
// cannot keep up has events dropped rather than stalling the reader; clients
// recover missed events from the durable store.
const subscriberBuffer = 64

// RedisBus publishes and subscribes to session events through Redis pub/sub,
// letting turn workers and SSE servers run as separate processes.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus creates a bus on the given Redis client.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With("component", "redis_bus"),
	}
}

// Ping verifies the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("realtime: ping redis: %w", err)
	}
	return nil
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, sessionID string, event model.Event) error {
	payload, err := model.MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+sessionID, payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish to session %s: %w", sessionID, err)
	}
	return nil
}

// Subscribe implements Subscriber. The returned channel closes when the
// context is canceled or cancel is called.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan model.Event, func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+sessionID)

	// Force the subscription handshake so a dead Redis fails fast here
	// instead of silently delivering nothing.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("realtime: subscribe to session %s: %w", sessionID, err)
	}

	events := make(chan model.Event, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(events)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := model.UnmarshalEvent([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping undecodable event", "session_id", sessionID, "error", err)
					continue
				}
				select {
				case events <- event:
				default:
					b.logger.Warn("subscriber too slow, dropping event",
						"session_id", sessionID, "event_type", event.Type())
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil {
				b.logger.Warn("close subscription", "session_id", sessionID, "error", err)
			}
		})
	}
	return events, cancel, nil
}

// Close shuts down the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
