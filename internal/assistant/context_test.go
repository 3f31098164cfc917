package assistant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lalith-99/chatrelay/internal/models"
)

func TestWantsUserContext(t *testing.T) {
	augmented := []string{
		"what projects am I on?",
		"show my TASKS",
		"anything overdue this week?",
		"what's my highest priority?",
		"update my profile bio",
		"what am I working on?",
	}
	for _, prompt := range augmented {
		assert.True(t, wantsUserContext(prompt), "expected augmentation for %q", prompt)
	}

	plain := []string{
		"write me a haiku",
		"what is the capital of France?",
		"explain goroutines",
	}
	for _, prompt := range plain {
		assert.False(t, wantsUserContext(prompt), "expected no augmentation for %q", prompt)
	}
}

func TestFormatSnapshot(t *testing.T) {
	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	snap := &models.UserSnapshot{
		Username: "alice",
		Bio:      "backend engineer",
		Projects: []models.ProjectSummary{{Name: "relay", Status: "active"}},
		Tasks: []models.TaskSummary{
			{Title: "ship it", Status: "open", DueDate: &due},
			{Title: "write docs", Status: "open"},
		},
	}

	text := formatSnapshot(snap)

	assert.Contains(t, text, "Workspace context for alice")
	assert.Contains(t, text, "Bio: backend engineer")
	assert.Contains(t, text, "- relay (active)")
	assert.Contains(t, text, "- ship it (open, due 2026-09-15)")
	assert.Contains(t, text, "- write docs (open)")
}

func TestFormatSnapshotEmptyWorkspace(t *testing.T) {
	text := formatSnapshot(&models.UserSnapshot{Username: "bob"})

	assert.Contains(t, text, "Projects:\n- none")
	assert.Contains(t, text, "Open tasks:\n- none")
	assert.NotContains(t, text, "Bio:")
}
