package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Broadcaster delivers an encoded frame to every connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, frame []byte) error
}

// LocalBroadcaster fans out to the sessions of this process.
type LocalBroadcaster struct {
	registry *Registry
}

func NewLocalBroadcaster(registry *Registry) *LocalBroadcaster {
	return &LocalBroadcaster{registry: registry}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, frame []byte) error {
	for _, s := range b.registry.Sessions() {
		s.enqueue(frame)
	}
	return nil
}

// RedisBroadcaster publishes frames to a Redis channel; Run delivers whatever
// arrives on that channel to the local sessions.
type RedisBroadcaster struct {
	redis   *redis.Client
	channel string
	local   *LocalBroadcaster
	logger  *slog.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, registry *Registry, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = "presence"
	}
	return &RedisBroadcaster{
		redis:   client,
		channel: channel,
		local:   NewLocalBroadcaster(registry),
		logger:  logger,
	}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, frame []byte) error {
	if err := b.redis.Publish(ctx, b.channel, frame).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes to the channel and relays frames until ctx is done. It
// returns once the subscription is confirmed.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.local.Broadcast(ctx, []byte(msg.Payload))
			}
		}
	}()
	b.logger.Info("presence relay subscribed", "channel", b.channel)
	return nil
}
