// Package pubsub is the cross-instance fan-out backbone: a thin
// publish/subscribe layer over Redis or NATS that carries chat messages
// and presence transitions between server instances. Delivery is
// at-least-once, per-channel ordered within one publishing instance, and
// loops back to the publishing instance's own subscribers — local
// clients are served through the same path as remote ones.
package pubsub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatrelay/internal/models"
)

// Channel names shared by every instance. ChannelTyping is reserved:
// typing indicators are deliberately instance-local today, but the name
// is pinned here so adding cross-instance typing later cannot collide.
const (
	ChannelNewMessage  = "new_message"
	ChannelUserOnline  = "user_online"
	ChannelUserOffline = "user_offline"
	ChannelTyping      = "typing"
)

// MessageEnvelope crosses the backbone for every persisted chat message.
// The full message rides along so receiving instances can relay it to
// their local connections without a database read.
type MessageEnvelope struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Message        *models.Message `json:"message"`
}

// PresenceEnvelope crosses the backbone on user_online / user_offline.
type PresenceEnvelope struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

// Handler receives every payload delivered on a subscribed channel.
// Called from the backbone's receive goroutine; implementations must not
// block for long or they stall delivery for all channels.
type Handler func(channel string, payload []byte)

// Backbone is the broadcast medium contract. Implementations marshal the
// payload to JSON on publish and hand subscribers the raw bytes.
type Backbone interface {
	// Publish sends payload to every subscriber of channel, across all
	// instances, including this one.
	Publish(ctx context.Context, channel string, payload any) error

	// Subscribe registers handler for the given channels and starts the
	// receive loop. Called once at startup for the process lifetime.
	Subscribe(ctx context.Context, handler Handler, channels ...string) error

	// Close tears down the subscription and the underlying connection.
	Close() error
}
