package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsBackbone fans events out over core NATS subjects. Core NATS (not
// JetStream) is the right shape here: the backbone is a live broadcast,
// not a durable work queue — an instance that was down during a publish
// has no connections to deliver to anyway.
type NatsBackbone struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNatsBackbone(natsURL string, logger *zap.Logger) (*NatsBackbone, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("chatrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("connected to nats", zap.String("url", natsURL))
	return &NatsBackbone{conn: conn, logger: logger}, nil
}

func (b *NatsBackbone) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NatsBackbone) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	for _, channel := range channels {
		if _, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
			handler(msg.Subject, msg.Data)
		}); err != nil {
			return fmt.Errorf("subscribe to %s: %w", channel, err)
		}
	}

	b.logger.Info("subscribed to nats subjects", zap.Strings("subjects", channels))
	return nil
}

func (b *NatsBackbone) Close() error {
	// Drain unsubscribes everything and flushes buffered outbound
	// publishes before closing the connection.
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
