// Package presence maintains the shared set of online users. The set
// lives in a Redis hash so every server instance sees the same view;
// each transition is also published on the backbone so connected clients
// everywhere learn about it immediately.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/pubsub"
)

// DefaultKey is the Redis hash holding the online set: field = user id,
// value = JSON {username, last_seen}.
const DefaultKey = "chatrelay:presence"

// Tracker owns reads and writes of the online hash. Entries have no
// TTL: a connection that dies without a disconnect event leaves its user
// marked online until their next clean disconnect. See the stale-presence
// note in DESIGN.md before adding expiry here.
type Tracker struct {
	client *redis.Client
	bus    pubsub.Backbone
	key    string
	logger *zap.Logger
}

func NewTracker(client *redis.Client, bus pubsub.Backbone, logger *zap.Logger) *Tracker {
	return &Tracker{
		client: client,
		bus:    bus,
		key:    DefaultKey,
		logger: logger,
	}
}

type entry struct {
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

// MarkOnline adds (or refreshes) the user in the shared set and
// publishes user_online. The durable users.is_online column is not
// touched here — that write belongs to the persistence layer and is
// invoked by the event router alongside this call.
func (t *Tracker) MarkOnline(ctx context.Context, userID uuid.UUID, username string) error {
	now := time.Now().UTC()

	value, err := json.Marshal(entry{Username: username, LastSeen: now})
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := t.client.HSet(ctx, t.key, userID.String(), value).Err(); err != nil {
		return fmt.Errorf("presence mark online: %w", err)
	}

	env := pubsub.PresenceEnvelope{UserID: userID, Username: username, LastSeen: now}
	if err := t.bus.Publish(ctx, pubsub.ChannelUserOnline, env); err != nil {
		return fmt.Errorf("publish user_online: %w", err)
	}

	t.logger.Debug("user online", zap.String("user_id", userID.String()), zap.String("username", username))
	return nil
}

// MarkOffline removes the user from the shared set and publishes
// user_offline carrying the moment they were last seen.
func (t *Tracker) MarkOffline(ctx context.Context, userID uuid.UUID, username string) error {
	now := time.Now().UTC()

	if err := t.client.HDel(ctx, t.key, userID.String()).Err(); err != nil {
		return fmt.Errorf("presence mark offline: %w", err)
	}

	env := pubsub.PresenceEnvelope{UserID: userID, Username: username, LastSeen: now}
	if err := t.bus.Publish(ctx, pubsub.ChannelUserOffline, env); err != nil {
		return fmt.Errorf("publish user_offline: %w", err)
	}

	t.logger.Debug("user offline", zap.String("user_id", userID.String()), zap.String("username", username))
	return nil
}

// ListOnline snapshots the shared set. Order is unspecified (hash scan
// order); callers that need an order should sort. Corrupt entries are
// skipped rather than failing the whole snapshot.
func (t *Tracker) ListOnline(ctx context.Context) ([]models.OnlineUser, error) {
	fields, err := t.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list online: %w", err)
	}

	online := make([]models.OnlineUser, 0, len(fields))
	for field, raw := range fields {
		userID, err := uuid.Parse(field)
		if err != nil {
			t.logger.Warn("skipping malformed presence field", zap.String("field", field))
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			t.logger.Warn("skipping malformed presence entry", zap.String("field", field))
			continue
		}
		online = append(online, models.OnlineUser{
			UserID:   userID,
			Username: e.Username,
			LastSeen: e.LastSeen,
		})
	}
	return online, nil
}
