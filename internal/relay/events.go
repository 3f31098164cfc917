// Package relay is the real-time core: the connection registry with room
// membership, the WebSocket transport pumps, and the event router that
// turns inbound client events into persistence side effects, backbone
// publishes, and outbound emissions.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatrelay/internal/models"
)

// Inbound event names.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStartDirect       = "start_direct"
)

// Outbound event names.
const (
	EventOnlineUsers         = "online_users"
	EventMessageHistory      = "message_history"
	EventNewMessage          = "new_message"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventUserTyping          = "user_typing"
	EventConversationStarted = "conversation_started"
)

// Envelope is the frame every event travels in, both directions:
// {"event": "<name>", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEnvelope parses one inbound frame. The Data payload stays raw
// until the router knows which event-specific struct to decode into.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event name")
	}
	return &env, nil
}

// Encode marshals an outbound event into its wire frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// Inbound payloads. UUID fields decode straight from their JSON string
// form; a malformed id fails the decode and the event is dropped as a
// protocol error.

type AuthenticatePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	// Token optionally carries a session JWT issued by the HTTP login
	// endpoint. When present and valid, its claims override the raw
	// user_id/username pair; identity remains trust-on-claim otherwise.
	Token string `json:"token,omitempty"`
}

type JoinConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type LeaveConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

type StartDirectPayload struct {
	TargetUserID uuid.UUID `json:"target_user_id"`
}

// Outbound payloads.

type OnlineUsersPayload struct {
	Users []models.OnlineUser `json:"users"`
}

type MessageHistoryPayload struct {
	ConversationID uuid.UUID        `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
}

type NewMessagePayload struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Message        *models.Message `json:"message"`
}

type PresenceEventPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

type UserTypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Username       string    `json:"username"`
	IsTyping       bool      `json:"is_typing"`
}

type ConversationStartedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}
