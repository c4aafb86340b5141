package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/target/review-pulse/internal/domain/model"
)

// Broadcaster receives relayed events. *job.Hub satisfies it.
type Broadcaster interface {
	Broadcast(ev model.NotificationEvent) int
}

// EventBusOptions configures the pub/sub event bus.
type EventBusOptions struct {
	Channel string
	Logger  *slog.Logger
}

// EventBus carries notification events between processes over Redis pub/sub.
// Worker and reconciler processes publish; the HTTP process relays into its Hub.
type EventBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewEventBus builds an EventBus.
func NewEventBus(client redis.UniversalClient, opts EventBusOptions) (*EventBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		return nil, errors.New("event channel is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{client: client, channel: channel, logger: logger.With("component", "event_bus")}, nil
}

// Publish sends ev to every relaying process.
func (b *EventBus) Publish(ctx context.Context, ev model.NotificationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay subscribes to the channel and hands each event to dst until ctx is
// canceled. Malformed messages are logged and skipped.
func (b *EventBus) Relay(ctx context.Context, dst Broadcaster) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Warn("event relay close failed", "error", err)
		}
	}()

	// Wait for the subscription to be confirmed so no publish is missed after Relay starts.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.InfoContext(ctx, "event relay started", "channel", b.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event relay stopped", "channel", b.channel)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("event relay channel closed")
			}
			var ev model.NotificationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.WarnContext(ctx, "dropping malformed event", "error", err)
				continue
			}
			dst.Broadcast(ev)
		}
	}
}
