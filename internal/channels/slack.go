package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// SlackChannel connects over Socket Mode: a WebSocket obtained from
// apps.connections.open carries Events API envelopes, replies go out through
// the Web API.
type SlackChannel struct {
	BaseChannel
	BotToken  string
	AppToken  string
	BotUserID string
	apiBase   string // overridable in tests
	client    *http.Client
	cancel    context.CancelFunc
}

// NewSlackChannel creates a Slack adapter from config.
func NewSlackChannel(cfg config.SlackConfig, msgBus *bus.MessageBus, log *zap.Logger) *SlackChannel {
	return &SlackChannel{
		BaseChannel: newBase("slack", msgBus, cfg.ChannelCommon, log),
		BotToken:    cfg.BotToken,
		AppToken:    cfg.AppToken,
		apiBase:     "https://slack.com/api",
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

// Start opens the Socket Mode connection and processes envelopes until ctx
// is cancelled, reconnecting on failure.
func (s *SlackChannel) Start(ctx context.Context) error {
	if s.BotToken == "" || s.AppToken == "" {
		return nberr.New(nberr.Validation, "slack bot/app token not configured")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.setRunning(true)
	defer s.setRunning(false)

	if result, err := s.webAPI(ctx, s.BotToken, "auth.test", nil); err == nil {
		if uid, ok := result["user_id"].(string); ok {
			s.BotUserID = uid
			s.Log.Info("slack bot connected", zap.String("user_id", uid))
		}
	}

	for {
		if err := s.runSocket(ctx); err != nil && ctx.Err() == nil {
			s.Log.Warn("slack socket connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *SlackChannel) runSocket(ctx context.Context) error {
	open, err := s.webAPI(ctx, s.AppToken, "apps.connections.open", nil)
	if err != nil {
		return err
	}
	wsURL, _ := open["url"].(string)
	if wsURL == "" {
		return nberr.New(nberr.External, "slack apps.connections.open returned no url")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var envelope map[string]any
		if err := conn.ReadJSON(&envelope); err != nil {
			return err
		}

		// Acknowledge before processing so Slack does not redeliver.
		if id, ok := envelope["envelope_id"].(string); ok {
			if err := conn.WriteJSON(map[string]string{"envelope_id": id}); err != nil {
				return err
			}
		}

		switch envelope["type"] {
		case "events_api":
			payload, _ := envelope["payload"].(map[string]any)
			if inner, ok := payload["event"].(map[string]any); ok {
				s.ProcessEvent(inner)
			}
		case "disconnect":
			return nberr.New(nberr.Transient, "slack requested reconnect")
		}
	}
}

// Stop closes the Socket Mode connection.
func (s *SlackChannel) Stop() error {
	s.setRunning(false)
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Send posts a reply through chat.postMessage, threading when the inbound
// event carried a thread.
func (s *SlackChannel) Send(msg bus.OutboundMessage) error {
	params := map[string]any{
		"channel": msg.ChatID,
		"text":    msg.Content,
	}
	if slackMeta, ok := msg.Metadata["slack"].(map[string]any); ok {
		threadTS, _ := slackMeta["thread_ts"].(string)
		channelType, _ := slackMeta["channel_type"].(string)
		if threadTS != "" && channelType != "im" {
			params["thread_ts"] = threadTS
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.webAPI(ctx, s.BotToken, "chat.postMessage", params)
	return err
}

// ProcessEvent handles one Events API message event.
func (s *SlackChannel) ProcessEvent(event map[string]any) {
	eventType, _ := event["type"].(string)
	if eventType != "message" && eventType != "app_mention" {
		return
	}

	senderID, _ := event["user"].(string)
	chatID, _ := event["channel"].(string)
	text, _ := event["text"].(string)

	// Edits, joins, and other subtypes are not user messages.
	if event["subtype"] != nil {
		return
	}
	if s.BotUserID != "" && senderID == s.BotUserID {
		return
	}
	// A mention arrives as both message and app_mention; keep only the latter.
	if eventType == "message" && s.BotUserID != "" && strings.Contains(text, "<@"+s.BotUserID+">") {
		return
	}
	if senderID == "" || chatID == "" {
		return
	}

	threadTS := ""
	if ts, ok := event["thread_ts"].(string); ok {
		threadTS = ts
	} else if ts, ok := event["ts"].(string); ok {
		threadTS = ts
	}

	s.HandleMessage(senderID, chatID, s.stripBotMention(text), nil, map[string]any{
		"slack": map[string]any{
			"thread_ts":    threadTS,
			"channel_type": event["channel_type"],
		},
	})
}

func (s *SlackChannel) stripBotMention(text string) string {
	if text == "" || s.BotUserID == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+s.BotUserID+">", ""))
}

func (s *SlackChannel) webAPI(ctx context.Context, token, method string, params map[string]any) (map[string]any, error) {
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/"+method, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if ok, _ := result["ok"].(bool); !ok {
		errName, _ := result["error"].(string)
		return result, nberr.Newf(nberr.External, "slack %s: %s", method, errName)
	}
	return result, nil
}
