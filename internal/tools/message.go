package tools

import (
	"context"
	"fmt"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// SendFunc delivers an outbound message to its channel.
type SendFunc func(msg bus.OutboundMessage) error

// MessageTool sends messages to users on chat channels.
type MessageTool struct {
	SendCallback   SendFunc
	DefaultChannel string
	DefaultChatID  string
}

func (t *MessageTool) Name() string        { return "message" }
func (t *MessageTool) Description() string { return "Send a message to the user." }
func (t *MessageTool) Meta() Meta          { return Meta{} }
func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The message content to send"},
			"channel": map[string]any{"type": "string", "description": "Optional: target channel"},
			"chat_id": map[string]any{"type": "string", "description": "Optional: target chat/user ID"},
		},
		"required": []string{"content"},
	}
}

// SetContext points default delivery at the conversation being processed.
func (t *MessageTool) SetContext(channel, chatID string) {
	t.DefaultChannel = channel
	t.DefaultChatID = chatID
}

func (t *MessageTool) Execute(_ context.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)

	if channel == "" {
		channel = t.DefaultChannel
	}
	if chatID == "" {
		chatID = t.DefaultChatID
	}
	if channel == "" || chatID == "" {
		return "Error: No target channel/chat specified", nil
	}
	if t.SendCallback == nil {
		return "Error: Message sending not configured", nil
	}

	msg := bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content}
	if err := t.SendCallback(msg); err != nil {
		return fmt.Sprintf("Error sending message: %v", err), nil
	}
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
