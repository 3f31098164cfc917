package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/chatrelay/internal/models"
)

type ParticipantStore struct {
	pool *pgxpool.Pool
}

func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

func (s *ParticipantStore) Add(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) error {
	// ON CONFLICT DO NOTHING keeps "add participant" idempotent: a second
	// add of the same user succeeds silently instead of tripping the
	// primary key.
	query := `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *ParticipantStore) Remove(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) error {
	// DELETE is naturally idempotent: zero rows matched is not an error.
	query := `
		DELETE FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *ParticipantStore) List(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return participants, nil
}

func (s *ParticipantStore) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID) (bool, error) {
	// EXISTS stops at the first matching row, which matters for a check
	// that runs in front of every history fetch.
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}
