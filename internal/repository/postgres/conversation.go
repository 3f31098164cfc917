package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/chatrelay/internal/models"
)

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

// DirectKey returns the canonical encoding of an unordered user pair:
// the two UUIDs sorted lexicographically and joined with ":". Both
// argument orders produce the same key, which is what makes the
// direct_key unique index enforce one-conversation-per-pair.
func DirectKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}

// GetOrCreateDirect resolves the direct conversation for (userA, userB),
// creating it on first use.
//
// The insert uses ON CONFLICT ... DO UPDATE with a self-assignment:
// a no-op write that makes RETURNING yield the existing row instead of
// nothing, so two instances racing on the same pair both get the same
// conversation back from a single statement. The participant rows ride
// in the same transaction.
func (s *ConversationStore) GetOrCreateDirect(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	key := DirectKey(userA, userB)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin direct conversation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO conversations (id, name, is_group, direct_key, created_at)
		VALUES (uuid_generate_v4(), '', false, $1, now())
		ON CONFLICT (direct_key) DO UPDATE SET direct_key = EXCLUDED.direct_key
		RETURNING id, name, is_group, direct_key, created_at`

	var conv models.Conversation
	err = tx.QueryRow(ctx, query, key).Scan(
		&conv.ID,
		&conv.Name,
		&conv.IsGroup,
		&conv.DirectKey,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert direct conversation: %w", err)
	}

	// Participant rows are idempotent too: re-resolving an existing pair
	// inserts nothing. A self-conversation (userA == userB) collapses to
	// a single participant row.
	participants := `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES ($1, $2, now()), ($1, $3, now())
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	if _, err := tx.Exec(ctx, participants, conv.ID, userA, userB); err != nil {
		return nil, fmt.Errorf("insert direct participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit direct conversation tx: %w", err)
	}
	return &conv, nil
}

// CreateGroup creates a named group conversation and enrolls the creator
// plus the given members in one transaction.
func (s *ConversationStore) CreateGroup(ctx context.Context, name string, creatorID uuid.UUID, memberIDs []uuid.UUID) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin group conversation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO conversations (id, name, is_group, direct_key, created_at)
		VALUES (uuid_generate_v4(), $1, true, NULL, now())
		RETURNING id, name, is_group, '', created_at`

	var conv models.Conversation
	err = tx.QueryRow(ctx, query, name).Scan(
		&conv.ID,
		&conv.Name,
		&conv.IsGroup,
		&conv.DirectKey,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert group conversation: %w", err)
	}

	add := `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	if _, err := tx.Exec(ctx, add, conv.ID, creatorID); err != nil {
		return nil, fmt.Errorf("insert group creator: %w", err)
	}
	for _, memberID := range memberIDs {
		if _, err := tx.Exec(ctx, add, conv.ID, memberID); err != nil {
			return nil, fmt.Errorf("insert group member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit group conversation tx: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) GetByID(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, name, is_group, COALESCE(direct_key, ''), created_at
		FROM conversations
		WHERE id = $1`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&conv.ID,
		&conv.Name,
		&conv.IsGroup,
		&conv.DirectKey,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	query := `
		SELECT c.id, c.name, c.is_group, COALESCE(c.direct_key, ''), c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.Name,
			&conv.IsGroup,
			&conv.DirectKey,
			&conv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}
