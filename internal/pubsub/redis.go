package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient dials Redis from a URL ("redis://host:6379/0") and
// verifies the connection with a ping. The same client is shared by the
// Redis backbone and the presence store.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBackbone fans events out over Redis PUB/SUB. Redis delivers each
// published payload to every subscriber of the channel, in publish order
// per channel, including subscribers on the publishing instance.
type RedisBackbone struct {
	client *redis.Client
	sub    *redis.PubSub
	logger *zap.Logger
}

func NewRedisBackbone(client *redis.Client, logger *zap.Logger) *RedisBackbone {
	return &RedisBackbone{client: client, logger: logger}
}

func (b *RedisBackbone) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBackbone) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	if b.sub != nil {
		return fmt.Errorf("redis backbone already subscribed")
	}

	b.sub = b.client.Subscribe(ctx, channels...)

	// Force the SUBSCRIBE handshake so a dead Redis fails startup here,
	// not on the first missed event.
	if _, err := b.sub.Receive(ctx); err != nil {
		b.sub.Close()
		b.sub = nil
		return fmt.Errorf("subscribe to %v: %w", channels, err)
	}

	go func() {
		for msg := range b.sub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
		b.logger.Debug("redis subscription channel closed")
	}()

	b.logger.Info("subscribed to redis channels", zap.Strings("channels", channels))
	return nil
}

func (b *RedisBackbone) Close() error {
	if b.sub != nil {
		if err := b.sub.Close(); err != nil {
			return fmt.Errorf("close redis subscription: %w", err)
		}
	}
	return nil
}
