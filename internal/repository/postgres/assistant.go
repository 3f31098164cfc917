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

// Caps on the workspace snapshot fed to the assistant. The model prompt
// has to stay small, so the snapshot is a window, not a dump.
const (
	snapshotProjectLimit = 5
	snapshotTaskLimit    = 10
)

type AssistantStore struct {
	pool *pgxpool.Pool
}

func NewAssistantStore(pool *pgxpool.Pool) *AssistantStore {
	return &AssistantStore{pool: pool}
}

// History returns the user's last `limit` exchange turns, oldest first.
// The inner query walks the index newest-first to find the window; the
// outer query flips it into prompt order.
func (s *AssistantStore) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.AssistantMessage, error) {
	query := `
		SELECT id, user_id, role, content, model, used_context, created_at
		FROM (
			SELECT id, user_id, role, content, model, used_context, created_at
			FROM assistant_messages
			WHERE user_id = $1
			ORDER BY id DESC
			LIMIT $2
		) latest
		ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assistant history: %w", err)
	}
	defer rows.Close()

	history := make([]models.AssistantMessage, 0)
	for rows.Next() {
		var m models.AssistantMessage
		if err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.Role,
			&m.Content,
			&m.Model,
			&m.UsedContext,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assistant message: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assistant history: %w", err)
	}

	return history, nil
}

func (s *AssistantStore) Save(ctx context.Context, userID uuid.UUID, role, content, model string, usedContext bool) (*models.AssistantMessage, error) {
	query := `
		INSERT INTO assistant_messages (user_id, role, content, model, used_context, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, user_id, role, content, model, used_context, created_at`

	var m models.AssistantMessage
	err := s.pool.QueryRow(ctx, query, userID, role, content, model, usedContext).Scan(
		&m.ID,
		&m.UserID,
		&m.Role,
		&m.Content,
		&m.Model,
		&m.UsedContext,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert assistant message: %w", err)
	}
	return &m, nil
}

// Snapshot assembles the context-augmentation payload: profile row plus
// capped windows of recent projects and open tasks. Three short queries
// rather than one wide join; none of them is hot path.
func (s *AssistantStore) Snapshot(ctx context.Context, userID uuid.UUID) (*models.UserSnapshot, error) {
	profile := `
		SELECT username, bio
		FROM users
		WHERE id = $1`

	var snap models.UserSnapshot
	err := s.pool.QueryRow(ctx, profile, userID).Scan(&snap.Username, &snap.Bio)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot profile: %w", err)
	}

	projects := `
		SELECT name, status
		FROM projects
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, projects, userID, snapshotProjectLimit)
	if err != nil {
		return nil, fmt.Errorf("list snapshot projects: %w", err)
	}
	defer rows.Close()

	snap.Projects = make([]models.ProjectSummary, 0)
	for rows.Next() {
		var p models.ProjectSummary
		if err := rows.Scan(&p.Name, &p.Status); err != nil {
			return nil, fmt.Errorf("scan snapshot project: %w", err)
		}
		snap.Projects = append(snap.Projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot projects: %w", err)
	}

	tasks := `
		SELECT title, status, due_date
		FROM tasks
		WHERE assignee_id = $1 AND status <> 'done'
		ORDER BY due_date NULLS LAST, created_at DESC
		LIMIT $2`

	taskRows, err := s.pool.Query(ctx, tasks, userID, snapshotTaskLimit)
	if err != nil {
		return nil, fmt.Errorf("list snapshot tasks: %w", err)
	}
	defer taskRows.Close()

	snap.Tasks = make([]models.TaskSummary, 0)
	for taskRows.Next() {
		var t models.TaskSummary
		if err := taskRows.Scan(&t.Title, &t.Status, &t.DueDate); err != nil {
			return nil, fmt.Errorf("scan snapshot task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot tasks: %w", err)
	}

	return &snap, nil
}
