package tools

import (
	"context"
	"fmt"
)

// CronScheduler is what the cron tool needs from the scheduling service.
type CronScheduler interface {
	AddJob(name, message, channel, chatID string, everySeconds int, cronExpr, at string) (string, error)
	ListJobs() (string, error)
	RemoveJob(jobID string) (string, error)
}

// CronTool manages scheduled reminders and recurring tasks.
type CronTool struct {
	Cron    CronScheduler
	Channel string
	ChatID  string
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add, list, remove."
}
func (t *CronTool) Meta() Meta { return Meta{} }
func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":        map[string]any{"type": "string", "enum": []string{"add", "list", "remove"}},
			"message":       map[string]any{"type": "string", "description": "Reminder message (for add)"},
			"every_seconds": map[string]any{"type": "integer", "description": "Interval in seconds"},
			"cron_expr":     map[string]any{"type": "string", "description": "Cron expression"},
			"at":            map[string]any{"type": "string", "description": "ISO datetime for one-time"},
			"job_id":        map[string]any{"type": "string", "description": "Job ID (for remove)"},
		},
		"required": []string{"action"},
	}
}

// SetContext sets the delivery target for scheduled messages.
func (t *CronTool) SetContext(channel, chatID string) {
	t.Channel = channel
	t.ChatID = chatID
}

func (t *CronTool) Execute(_ context.Context, args map[string]any) (string, error) {
	if t.Cron == nil {
		return "Error: Cron service not configured", nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "add":
		message, _ := args["message"].(string)
		if message == "" {
			return "Error: message is required for add", nil
		}
		if t.Channel == "" || t.ChatID == "" {
			return "Error: no session context (channel/chat_id)", nil
		}
		everySeconds := 0
		if v, ok := args["every_seconds"].(float64); ok {
			everySeconds = int(v)
		}
		cronExpr, _ := args["cron_expr"].(string)
		at, _ := args["at"].(string)

		name := message
		if len(name) > 30 {
			name = name[:30]
		}
		return t.Cron.AddJob(name, message, t.Channel, t.ChatID, everySeconds, cronExpr, at)

	case "list":
		return t.Cron.ListJobs()

	case "remove":
		jobID, _ := args["job_id"].(string)
		if jobID == "" {
			return "Error: job_id is required for remove", nil
		}
		return t.Cron.RemoveJob(jobID)

	default:
		return fmt.Sprintf("Unknown action: %s", action), nil
	}
}
