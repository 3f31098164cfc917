package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/chatrelay/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Create persists a message and hands it back relay-ready: the CTE joins
// the freshly inserted row against users so the denormalized sender
// display fields (username, avatar) come back in the same round trip.
// Messages use bigserial, so Postgres generates the ID.
func (s *MessageStore) Create(ctx context.Context, conversationID uuid.UUID, senderID uuid.UUID, content string) (*models.Message, error) {
	query := `
		WITH inserted AS (
			INSERT INTO messages (conversation_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, now())
			RETURNING id, conversation_id, sender_id, content, created_at
		)
		SELECT i.id, i.conversation_id, i.sender_id, i.content, i.created_at,
		       u.id, u.username, u.avatar
		FROM inserted i
		JOIN users u ON u.id = i.sender_id`

	var msg models.Message
	err := s.pool.QueryRow(ctx, query, conversationID, senderID, content).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.CreatedAt,
		&msg.Sender.ID,
		&msg.Sender.Username,
		&msg.Sender.Avatar,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// ListByConversation returns messages newest first, joined with sender
// display fields.
//
// Cursor-based pagination: before=0 means first page (latest messages);
// before=N means "messages older than id N". Ordering is by id, not
// created_at — bigserial ids are monotonic, so the order is the same but
// the comparison is an integer.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	var query string
	var args []any

	if before > 0 {
		query = `
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
			       u.id, u.username, u.avatar
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1 AND m.id < $2
			ORDER BY m.id DESC
			LIMIT $3`
		args = []any{conversationID, before, limit}
	} else {
		query = `
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
			       u.id, u.username, u.avatar
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.id DESC
			LIMIT $2`
		args = []any{conversationID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.Content,
			&msg.CreatedAt,
			&msg.Sender.ID,
			&msg.Sender.Username,
			&msg.Sender.Avatar,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
