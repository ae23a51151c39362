package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/domain"
)

// RedisBroadcaster publishes story events on a Redis channel so that every
// API instance can deliver them to its own websocket subscribers.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		logger:  logger.Named("RedisBroadcaster"),
	}
}

// NewClient parses a redis:// URL and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Publish sends event to the channel. Failures are logged, not returned:
// the change it describes is already committed.
func (b *RedisBroadcaster) Publish(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("Failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("storyID", event.StoryID.String()),
			zap.Error(err),
		)
	}
}

// Run subscribes to the channel and hands every event to sink until ctx is
// cancelled.
func (b *RedisBroadcaster) Run(ctx context.Context, sink domain.EventPublisher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no events are missed
	// between Run returning control and the first publish.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("Subscribed to event channel", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("Dropping malformed event", zap.Error(err))
				continue
			}
			sink.Publish(ctx, event)
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
