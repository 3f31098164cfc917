package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/chatrelay/internal/models"
)

// Every method takes context.Context first: all of these touch the
// network, and the caller's deadline (an HTTP request, a WebSocket
// event, a shutdown window) must propagate into the query.

// UserRepository handles user rows, including the durable side of
// presence (is_online / last_seen written on authenticate and
// disconnect).
type UserRepository interface {
	// Create inserts a new user and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, username, avatar, passwordHash string) (*models.User, error)

	// GetByID returns a user by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)

	// GetByUsername looks up a user by their unique handle. Returns nil, nil
	// if not found. Used for login and for resolving direct-chat targets.
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// List returns every user, newest first. Returns empty slice (not nil)
	// so JSON serializes to [] not null.
	List(ctx context.Context) ([]models.User, error)

	// SetOnline marks the user online and stamps last_seen=now.
	SetOnline(ctx context.Context, userID uuid.UUID) error

	// SetOffline marks the user offline and stamps last_seen=now.
	SetOffline(ctx context.Context, userID uuid.UUID) error
}

// ConversationRepository handles conversation rows and their participant
// sets. Live room membership (which connection receives which room's
// events) is not here: that is ephemeral state owned by the relay hub.
type ConversationRepository interface {
	// GetOrCreateDirect resolves the direct conversation for an unordered
	// user pair, creating it (with both participant rows) on first use.
	// Idempotent: both argument orders return the same conversation, and
	// concurrent first calls race safely to a single row.
	GetOrCreateDirect(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error)

	// CreateGroup creates a named group conversation containing the creator
	// and the given members.
	CreateGroup(ctx context.Context, name string, creatorID uuid.UUID, memberIDs []uuid.UUID) (*models.Conversation, error)

	// GetByID returns a single conversation. Returns nil, nil if not found.
	GetByID(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error)

	// ListForUser returns the conversations the user participates in,
	// newest first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
}

// ParticipantRepository handles who belongs to which conversation.
type ParticipantRepository interface {
	// Add adds a user to a conversation. No-op if already a participant.
	Add(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) error

	// Remove removes a user from a conversation. No-op if not a participant.
	Remove(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) error

	// List returns all participants of a conversation.
	List(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error)

	// IsParticipant checks membership. Hot-path check guarding the REST
	// history endpoint.
	IsParticipant(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) (bool, error)
}

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// Create persists a message and returns it with ID, CreatedAt, and the
	// denormalized sender display fields populated, ready to relay.
	Create(ctx context.Context, conversationID uuid.UUID, senderID uuid.UUID, content string) (*models.Message, error)

	// ListByConversation returns messages in a conversation, newest first.
	// Cursor-based pagination: before=0 means "from the top" (latest);
	// before=N means "older than message id N".
	ListByConversation(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error)
}

// AssistantRepository handles the per-user assistant exchange log and the
// workspace snapshot used for context augmentation.
type AssistantRepository interface {
	// History returns the user's most recent exchange turns, oldest first,
	// capped at limit. This is the window replayed to the model.
	History(ctx context.Context, userID uuid.UUID, limit int) ([]models.AssistantMessage, error)

	// Save appends one turn to the exchange log.
	Save(ctx context.Context, userID uuid.UUID, role, content, model string, usedContext bool) (*models.AssistantMessage, error)

	// Snapshot returns the user's profile plus a bounded slice of recent
	// projects and open tasks. Returns nil, nil if the user does not exist.
	Snapshot(ctx context.Context, userID uuid.UUID) (*models.UserSnapshot, error)
}
