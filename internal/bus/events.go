// Package bus provides the bounded message bus decoupling chat channels
// from the agent core.
package bus

import (
	"time"
)

// Media describes one attachment on a message.
type Media struct {
	Path   string `json:"path"`
	Mime   string `json:"mime,omitempty"`
	Inline bool   `json:"inline,omitempty"`
}

// InboundMessage is received from a chat channel.
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	Role      string         `json:"role"` // "user" or "system"
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Media     []Media        `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionKey returns the default session key for the message.
// Trusted channels may override it via the "session_key" metadata entry;
// that decision belongs to the agent loop, not the message.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MetaSessionKey returns the session-key override carried in metadata, if any.
func (m *InboundMessage) MetaSessionKey() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["session_key"].(string); ok {
		return v
	}
	return ""
}

// OutboundMessage is sent to a chat channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsStatus reports whether the message is a progress update rather than a reply.
func (m *OutboundMessage) IsStatus() bool {
	if m.Metadata == nil {
		return false
	}
	t, _ := m.Metadata["type"].(string)
	return t == "status"
}
