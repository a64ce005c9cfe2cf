package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultModel = "anthropic/claude-sonnet-4-5"

// OpenAICompatible talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter, OpenAI, Groq, vLLM, and Anthropic via OpenRouter).
type OpenAICompatible struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxRetries int
	HTTPClient *http.Client

	log *zap.Logger
}

// NewOpenAICompatible creates a provider for the given endpoint.
func NewOpenAICompatible(apiKey, apiBase, model string, log *zap.Logger) *OpenAICompatible {
	if model == "" {
		model = defaultModel
	}
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAICompatible{
		APIKey:     apiKey,
		APIBase:    apiBase,
		Model:      model,
		MaxRetries: 3,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		log:        log,
	}
}

// DefaultModel satisfies LLMProvider.
func (p *OpenAICompatible) DefaultModel() string { return p.Model }

// Chat sends a chat completion request, retrying transient and rate-limit
// failures with exponential backoff.
func (p *OpenAICompatible) Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens < 1 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: BadRequest, Msg: fmt.Sprintf("marshal request: %v", err)}
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			p.log.Warn("retrying chat completion",
				zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &Error{Kind: Transient, Msg: ctx.Err().Error()}
			}
			backoff *= 2
		}

		resp, err := p.post(ctx, "/chat/completions", jsonBody)
		if err == nil {
			return parseChatResponse(resp)
		}
		lastErr = err
		if pe, ok := err.(*Error); !ok || !pe.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *OpenAICompatible) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	endpoint := strings.TrimRight(p.APIBase, "/") + path
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: Fatal, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: Transient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: Transient, Msg: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func classifyStatus(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Status: status, Msg: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: Auth, Status: status, Msg: msg}
	case status >= 500:
		return &Error{Kind: Transient, Status: status, Msg: msg}
	case status >= 400:
		return &Error{Kind: BadRequest, Status: status, Msg: msg}
	}
	return &Error{Kind: Fatal, Status: status, Msg: msg}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseChatResponse(body []byte) (*LLMResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: Fatal, Msg: fmt.Sprintf("parse response: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: Fatal, Msg: "no choices in response"}
	}

	choice := resp.Choices[0]
	var toolCalls []ToolCallRequest
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			// Malformed arguments become an empty map; the registry's
			// validation reports the problem back to the model.
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		toolCalls = append(toolCalls, ToolCallRequest{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	usage := map[string]int{}
	if resp.Usage != nil {
		usage["prompt_tokens"] = resp.Usage.PromptTokens
		usage["completion_tokens"] = resp.Usage.CompletionTokens
		usage["total_tokens"] = resp.Usage.TotalTokens
	}

	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// Transcribe sends an audio file to the /audio/transcriptions endpoint.
func (p *OpenAICompatible) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", &Error{Kind: BadRequest, Msg: fmt.Sprintf("open audio: %v", err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", &Error{Kind: Fatal, Msg: err.Error()}
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", &Error{Kind: Transient, Msg: err.Error()}
	}
	w.WriteField("model", "whisper-1")
	if err := w.Close(); err != nil {
		return "", &Error{Kind: Fatal, Msg: err.Error()}
	}

	endpoint := strings.TrimRight(p.APIBase, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, &buf)
	if err != nil {
		return "", &Error{Kind: Fatal, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", &Error{Kind: Transient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: Transient, Msg: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &Error{Kind: Fatal, Msg: fmt.Sprintf("parse transcription: %v", err)}
	}
	return out.Text, nil
}
