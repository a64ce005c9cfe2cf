// Package providers defines the LLM provider interface and the
// OpenAI-compatible HTTP implementation.
package providers

import (
	"context"
	"fmt"
)

// Kind classifies provider failures so callers can decide between retrying,
// surfacing, and giving up.
type Kind string

const (
	// Transient covers network failures and 5xx responses. Retryable.
	Transient Kind = "transient"
	// RateLimited covers 429 responses. Retryable after backoff.
	RateLimited Kind = "rate_limited"
	// Auth covers 401/403. Not retryable; configuration must change.
	Auth Kind = "auth"
	// BadRequest covers 400-level validation failures. Not retryable.
	BadRequest Kind = "bad_request"
	// Fatal covers everything else.
	Fatal Kind = "fatal"
)

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (HTTP %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Msg)
}

// Retryable reports whether the failure may resolve on its own.
func (e *Error) Retryable() bool {
	return e.Kind == Transient || e.Kind == RateLimited
}

// KindOf extracts the failure kind, defaulting to Fatal.
func KindOf(err error) Kind {
	if pe, ok := err.(*Error); ok {
		return pe.Kind
	}
	return Fatal
}

// ToolCallRequest is one tool call requested by the LLM.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// LLMResponse is the normalized response from any provider.
type LLMResponse struct {
	Content      *string           `json:"content"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason"`
	Usage        map[string]int    `json:"usage,omitempty"`
}

// HasToolCalls reports whether the response requests tool execution.
func (r *LLMResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Text returns the response content, or "" when absent.
func (r *LLMResponse) Text() string {
	if r.Content == nil {
		return ""
	}
	return *r.Content
}

// ChatRequest holds the parameters for one chat completion call. Messages
// use the OpenAI wire shape directly so multimodal content parts and tool
// results pass through unchanged.
type ChatRequest struct {
	Messages    []map[string]any `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
}

// LLMProvider is the interface agent code depends on.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error)
	// Transcribe converts an audio file to text. Providers without audio
	// support return a BadRequest error.
	Transcribe(ctx context.Context, audioPath string) (string, error)
	DefaultModel() string
}
