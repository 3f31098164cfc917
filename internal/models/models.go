package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a chat participant. Username is the login and display handle,
// unique across the system.
//
// IsOnline and LastSeen are the durable shadow of the live presence set:
// the authenticate/disconnect protocol events write them through the
// repository so that a user's status survives a server restart and is
// visible to the REST directory listing. The authoritative live set is
// the shared presence store, not these columns.
//
// PasswordHash is tagged json:"-" so it can never leak through a handler
// that serializes the model directly.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Avatar       string     `json:"avatar"`
	Bio          string     `json:"bio"`
	PasswordHash string     `json:"-"`
	IsOnline     bool       `json:"is_online"`
	LastSeen     *time.Time `json:"last_seen"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OnlineUser is one entry of the live presence set: the value stored per
// user in the shared presence hash and the element type of the
// online_users snapshot sent to a freshly authenticated connection.
type OnlineUser struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

// Conversation is a message room. Direct conversations (IsGroup=false)
// are unique per unordered participant pair; DirectKey holds the
// normalized "smaller:larger" pair encoding that backs that uniqueness
// and is empty for group conversations.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	DirectKey string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is the join table row between conversations and users.
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// MessageSender is the denormalized display subset of User carried on
// every relayed message, so clients can render a message without a
// second lookup.
type MessageSender struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar"`
}

// Message is one chat message.
//
// ID is int64 (bigserial), not UUID: messages are the highest-volume
// table, and a monotonically increasing integer doubles as the history
// pagination cursor (higher ID = newer message).
type Message struct {
	ID             int64         `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	Content        string        `json:"content"`
	Sender         MessageSender `json:"sender"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AssistantMessage is one turn of a user's private exchange with the AI
// assistant. Role is "user" or "assistant". Model records which backend
// model produced an assistant turn; UsedContext records whether the
// prompt was augmented with the user's workspace snapshot.
type AssistantMessage struct {
	ID          int64     `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Model       string    `json:"model,omitempty"`
	UsedContext bool      `json:"used_context"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProjectSummary and TaskSummary are the bounded workspace slices fed to
// the assistant when a prompt asks about the user's own work. They are
// read-only projections; the projects/tasks tables are owned by the
// surrounding product, not by the relay.
type ProjectSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type TaskSummary struct {
	Title   string     `json:"title"`
	Status  string     `json:"status"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// UserSnapshot is the context-augmentation payload: the user's profile
// plus a capped window of recent projects and open tasks.
type UserSnapshot struct {
	Username string           `json:"username"`
	Bio      string           `json:"bio"`
	Projects []ProjectSummary `json:"projects"`
	Tasks    []TaskSummary    `json:"tasks"`
}
