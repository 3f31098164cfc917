package assistant

import (
	"fmt"
	"strings"

	"github.com/lalith-99/chatrelay/internal/models"
)

// systemPrompt frames every exchange. The workspace context block, when
// present, is appended to it so the model treats the snapshot as ambient
// state rather than part of the user's question.
const systemPrompt = "You are the built-in assistant of a team chat workspace. " +
	"Be concise and practical. When a \"Workspace context\" block is provided, " +
	"treat it as the current state of the user's profile, projects, and tasks, " +
	"and ground your answer in it. Never invent projects or tasks that are not listed."

// contextKeywords is the fixed vocabulary of intents that warrant
// fetching the user's workspace snapshot. Matching is substring-based on
// the lowercased prompt: crude, cheap, and good enough to keep snapshot
// queries off prompts like "write me a haiku".
var contextKeywords = []string{
	"project", "task", "deadline", "due", "overdue",
	"assigned", "workload", "progress", "priorit",
	"profile", "bio", "my work", "working on",
}

func wantsUserContext(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, keyword := range contextKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// formatSnapshot renders the bounded workspace snapshot as the plain-text
// context block fed to the model.
func formatSnapshot(snap *models.UserSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Workspace context for %s:\n", snap.Username)
	if snap.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", snap.Bio)
	}

	b.WriteString("Projects:\n")
	if len(snap.Projects) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range snap.Projects {
		fmt.Fprintf(&b, "- %s (%s)\n", p.Name, p.Status)
	}

	b.WriteString("Open tasks:\n")
	if len(snap.Tasks) == 0 {
		b.WriteString("- none\n")
	}
	for _, t := range snap.Tasks {
		if t.DueDate != nil {
			fmt.Fprintf(&b, "- %s (%s, due %s)\n", t.Title, t.Status, t.DueDate.Format("2006-01-02"))
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", t.Title, t.Status)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
