package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Spawner launches and manages background subagents.
type Spawner interface {
	Spawn(ctx context.Context, task, label, extra, originChannel, originChatID string) (string, error)
	ListRunning() []map[string]any
	Cancel(taskID string) bool
}

// SpawnTool delegates a task to a background subagent.
type SpawnTool struct {
	Manager       Spawner
	OriginChannel string
	OriginChatID  string
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Delegate a task to a background subagent. " +
		"USE THIS FOR MOST TASKS — any work requiring 2+ tool calls " +
		"(web searches, file ops, commands, research, multi-step work). " +
		"The subagent runs asynchronously with full tool access and reports back when done. " +
		"Use the 'context' parameter to pass relevant conversation details the subagent will need."
}
func (t *SpawnTool) Meta() Meta { return Meta{} }
func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":    map[string]any{"type": "string", "description": "The task for the subagent to complete"},
			"label":   map[string]any{"type": "string", "description": "Optional short label for the task"},
			"context": map[string]any{"type": "string", "description": "Relevant conversation context for the subagent"},
		},
		"required": []string{"task"},
	}
}

// SetContext records where the subagent's result should be announced.
func (t *SpawnTool) SetContext(channel, chatID string) {
	t.OriginChannel = channel
	t.OriginChatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)
	extra, _ := args["context"].(string)

	if t.Manager == nil {
		return "Error: Subagent spawning not configured", nil
	}
	result, err := t.Manager.Spawn(ctx, task, label, extra, t.OriginChannel, t.OriginChatID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return result, nil
}

// SubagentControlTool lists or cancels running subagents.
type SubagentControlTool struct {
	Manager Spawner
}

func (t *SubagentControlTool) Name() string { return "subagent_control" }
func (t *SubagentControlTool) Description() string {
	return "List or cancel running subagents. Use this to track background tasks or stop one by id."
}
func (t *SubagentControlTool) Meta() Meta { return Meta{} }
func (t *SubagentControlTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":  map[string]any{"type": "string", "enum": []string{"list", "cancel"}, "description": "Action to perform"},
			"task_id": map[string]any{"type": "string", "description": "Subagent task id (required for cancel)"},
		},
		"required": []string{"action"},
	}
}

func (t *SubagentControlTool) Execute(_ context.Context, args map[string]any) (string, error) {
	if t.Manager == nil {
		return "Error: Subagent manager not configured", nil
	}
	action, _ := args["action"].(string)
	switch action {
	case "list":
		data, _ := json.Marshal(map[string]any{"tasks": t.Manager.ListRunning()})
		return string(data), nil
	case "cancel":
		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return "Error: task_id is required for cancel", nil
		}
		ok := t.Manager.Cancel(taskID)
		data, _ := json.Marshal(map[string]any{"ok": ok, "task_id": taskID})
		return string(data), nil
	default:
		return "Error: unsupported action", nil
	}
}
