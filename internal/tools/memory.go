package tools

import (
	"context"
	"fmt"

	"github.com/nanobot-ai/nanobot/internal/memory"
)

// RememberTool appends a durable note to the active memory scope's daily
// note file. The memory index picks it up on the next retrieval.
type RememberTool struct {
	Workspace string
	Scope     string
	ScopeKey  string
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a durable fact or note to memory. Use for things worth recalling in later conversations."
}
func (t *RememberTool) Meta() Meta { return Meta{} }
func (t *RememberTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"note": map[string]any{"type": "string", "description": "The fact or note to remember", "minLength": 1},
		},
		"required": []string{"note"},
	}
}

// SetContext switches the tool to the memory scope of the active session.
func (t *RememberTool) SetContext(scope, key string) {
	t.Scope = scope
	t.ScopeKey = key
}

func (t *RememberTool) Execute(_ context.Context, args map[string]any) (string, error) {
	note, _ := args["note"].(string)
	store := memory.ForScope(t.Workspace, t.Scope, t.ScopeKey)
	if err := store.AppendToday(note); err != nil {
		return fmt.Sprintf("Error saving note: %v", err), nil
	}
	return fmt.Sprintf("Noted in %s memory.", store.Scope), nil
}
