package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// --- Markdown to Telegram HTML ---

func TestMarkdownToTelegramHTML(t *testing.T) {
	assert.Equal(t, "", MarkdownToTelegramHTML(""))
	assert.Contains(t, MarkdownToTelegramHTML("**bold**"), "<b>bold</b>")
	assert.Contains(t, MarkdownToTelegramHTML("`code here`"), "<code>code here</code>")
	assert.Contains(t, MarkdownToTelegramHTML("~~deleted~~"), "<s>deleted</s>")
	assert.Contains(t, MarkdownToTelegramHTML("[Go](https://go.dev)"), `<a href="https://go.dev">Go</a>`)
}

func TestMarkdownToTelegramHTMLCodeBlock(t *testing.T) {
	result := MarkdownToTelegramHTML("```go\nif a < b {\n}\n```")
	assert.Contains(t, result, "<pre><code>")
	assert.Contains(t, result, "if a &lt; b {")
}

func TestMarkdownToTelegramHTMLHeadingAndBullets(t *testing.T) {
	result := MarkdownToTelegramHTML("## Title\n- item 1\n- item 2")
	assert.NotContains(t, result, "##")
	assert.Contains(t, result, "Title")
	assert.Contains(t, result, "• item 1")
	assert.Contains(t, result, "• item 2")
}

func TestMarkdownToTelegramHTMLEscapes(t *testing.T) {
	result := MarkdownToTelegramHTML("a < b & c > d")
	assert.Contains(t, result, "a &lt; b &amp; c &gt; d")
}

func TestMarkdownToTelegramHTMLCodeContentUntouched(t *testing.T) {
	// Markdown syntax inside a code span must survive literally.
	result := MarkdownToTelegramHTML("`**not bold**`")
	assert.Contains(t, result, "<code>**not bold**</code>")
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{""}, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	chunks := splitMessage("aaaa\nbbbb\ncccc", 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa\nbbbb\ncccc", strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
	}
}

// --- Telegram ---

func telegramConfig(token string) config.TelegramConfig {
	return config.TelegramConfig{ChannelCommon: config.ChannelCommon{Enabled: true}, Token: token}
}

func TestTelegramChannelInterface(t *testing.T) {
	ch := NewTelegramChannel(telegramConfig("test-token"), bus.NewMessageBus(), zap.NewNop())
	var _ Channel = ch
	assert.Equal(t, "telegram", ch.Name())
	assert.False(t, ch.IsRunning())
}

func TestTelegramStartWithoutToken(t *testing.T) {
	ch := NewTelegramChannel(telegramConfig(""), bus.NewMessageBus(), zap.NewNop())
	assert.Error(t, ch.Start(context.Background()))
}

func TestTelegramSendUsesHTMLParseMode(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	ch := NewTelegramChannel(telegramConfig("test-token"), bus.NewMessageBus(), zap.NewNop())
	ch.apiBase = srv.URL

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "42", Content: "**Hello** `world`"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "HTML", bodies[0]["parse_mode"])
	assert.Contains(t, bodies[0]["text"], "<b>Hello</b>")
	assert.Contains(t, bodies[0]["text"], "<code>world</code>")
}

func TestTelegramSendFallsBackToPlainText(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		// Reject the HTML attempt, accept the plain retry.
		json.NewEncoder(w).Encode(map[string]any{"ok": body["parse_mode"] != "HTML"})
	}))
	defer srv.Close()

	ch := NewTelegramChannel(telegramConfig("test-token"), bus.NewMessageBus(), zap.NewNop())
	ch.apiBase = srv.URL

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "42", Content: "hello"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "HTML", bodies[0]["parse_mode"])
	assert.Nil(t, bodies[1]["parse_mode"])
	assert.Equal(t, "hello", bodies[1]["text"])
}

func TestTelegramProcessUpdateSenderCarriesUsername(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewTelegramChannel(telegramConfig("test-token"), mb, zap.NewNop())

	ch.processUpdate(map[string]any{
		"message": map[string]any{
			"message_id": float64(7),
			"from":       map[string]any{"id": float64(12345), "username": "alice"},
			"chat":       map[string]any{"id": float64(67890)},
			"text":       "hi there",
		},
	})

	msg := nextInbound(t, mb)
	assert.Equal(t, "12345|alice", msg.SenderID)
	assert.Equal(t, "67890", msg.ChatID)
	assert.Equal(t, "hi there", msg.Content)
}

func TestTelegramProcessUpdateCaptionFallback(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewTelegramChannel(telegramConfig("test-token"), mb, zap.NewNop())

	ch.processUpdate(map[string]any{
		"message": map[string]any{
			"from":    map[string]any{"id": float64(1)},
			"chat":    map[string]any{"id": float64(2)},
			"caption": "photo caption",
		},
	})
	assert.Equal(t, "photo caption", nextInbound(t, mb).Content)
}

// --- Slack ---

func slackConfig() config.SlackConfig {
	return config.SlackConfig{
		ChannelCommon: config.ChannelCommon{Enabled: true},
		BotToken:      "xoxb-token",
		AppToken:      "xapp-token",
	}
}

func TestSlackChannelInterface(t *testing.T) {
	ch := NewSlackChannel(slackConfig(), bus.NewMessageBus(), zap.NewNop())
	var _ Channel = ch
	assert.Equal(t, "slack", ch.Name())
}

func TestSlackStartWithoutTokens(t *testing.T) {
	ch := NewSlackChannel(config.SlackConfig{}, bus.NewMessageBus(), zap.NewNop())
	assert.Error(t, ch.Start(context.Background()))
}

func TestSlackProcessEventTextMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewSlackChannel(slackConfig(), mb, zap.NewNop())

	ch.ProcessEvent(map[string]any{
		"type":    "message",
		"user":    "U123",
		"channel": "C456",
		"text":    "Hello from Slack",
		"ts":      "1234567890.123",
	})

	msg := nextInbound(t, mb)
	assert.Equal(t, "slack", msg.Channel)
	assert.Equal(t, "U123", msg.SenderID)
	assert.Equal(t, "Hello from Slack", msg.Content)
	slackMeta := msg.Metadata["slack"].(map[string]any)
	assert.Equal(t, "1234567890.123", slackMeta["thread_ts"])
}

func TestSlackProcessEventSkipsBotAndSubtypes(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewSlackChannel(slackConfig(), mb, zap.NewNop())
	ch.BotUserID = "U_BOT"

	ch.ProcessEvent(map[string]any{"type": "message", "user": "U_BOT", "channel": "C1", "text": "bot msg"})
	ch.ProcessEvent(map[string]any{"type": "message", "subtype": "channel_join", "user": "U1", "channel": "C1", "text": "joined"})
	// The message duplicate of an app_mention is dropped too.
	ch.ProcessEvent(map[string]any{"type": "message", "user": "U1", "channel": "C1", "text": "<@U_BOT> hi"})

	assert.Equal(t, 0, mb.InboundSize())
}

func TestSlackStripBotMention(t *testing.T) {
	ch := NewSlackChannel(slackConfig(), bus.NewMessageBus(), zap.NewNop())
	ch.BotUserID = "UBOT"
	assert.Equal(t, "hello", ch.stripBotMention("<@UBOT> hello"))
	assert.Equal(t, "hello", ch.stripBotMention("hello"))
}

func TestSlackSendThreading(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	ch := NewSlackChannel(slackConfig(), bus.NewMessageBus(), zap.NewNop())
	ch.apiBase = srv.URL

	require.NoError(t, ch.Send(bus.OutboundMessage{
		ChatID:  "C456",
		Content: "threaded reply",
		Metadata: map[string]any{
			"slack": map[string]any{"thread_ts": "111.222", "channel_type": "channel"},
		},
	}))
	// DMs are not threaded.
	require.NoError(t, ch.Send(bus.OutboundMessage{
		ChatID:  "D789",
		Content: "dm reply",
		Metadata: map[string]any{
			"slack": map[string]any{"thread_ts": "111.222", "channel_type": "im"},
		},
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "111.222", bodies[0]["thread_ts"])
	assert.Nil(t, bodies[1]["thread_ts"])
}

// --- WhatsApp ---

func TestWhatsAppChannelInterface(t *testing.T) {
	ch := NewWhatsAppChannel(config.WhatsAppConfig{}, bus.NewMessageBus(), zap.NewNop())
	var _ Channel = ch
	assert.Equal(t, "whatsapp", ch.Name())
	assert.Equal(t, "ws://localhost:3001", ch.BridgeURL)
}

func TestWhatsAppProcessBridgeMessageText(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewWhatsAppChannel(config.WhatsAppConfig{}, mb, zap.NewNop())

	ch.ProcessBridgeMessage([]byte(`{"type":"message","sender":"12345@s.whatsapp.net","content":"Hi there"}`))

	msg := nextInbound(t, mb)
	assert.Equal(t, "whatsapp", msg.Channel)
	assert.Equal(t, "12345", msg.SenderID)
	assert.Equal(t, "12345@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, "Hi there", msg.Content)
}

func TestWhatsAppProcessBridgeMessageStatus(t *testing.T) {
	ch := NewWhatsAppChannel(config.WhatsAppConfig{}, bus.NewMessageBus(), zap.NewNop())
	ch.ProcessBridgeMessage([]byte(`{"type":"status","status":"connected"}`))
	assert.True(t, ch.connected)
	ch.ProcessBridgeMessage([]byte(`{"type":"status","status":"disconnected"}`))
	assert.False(t, ch.connected)
}

func TestWhatsAppSendNotConnected(t *testing.T) {
	ch := NewWhatsAppChannel(config.WhatsAppConfig{}, bus.NewMessageBus(), zap.NewNop())
	assert.Error(t, ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}))
}

func TestWhatsAppSendPayload(t *testing.T) {
	ch := NewWhatsAppChannel(config.WhatsAppConfig{}, bus.NewMessageBus(), zap.NewNop())
	var sent []byte
	ch.writeFn = func(payload []byte) error {
		sent = payload
		return nil
	}
	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "12345@s.whatsapp.net", Content: "Hello"}))
	assert.Contains(t, string(sent), `"to":"12345@s.whatsapp.net"`)
	assert.Contains(t, string(sent), `"text":"Hello"`)
}

// --- Manager ---

type mockChannel struct {
	name string
	mu   sync.Mutex

	started bool
	stopped bool
	sent    []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (m *mockChannel) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

func (m *mockChannel) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestManagerRegisterAndGet(t *testing.T) {
	mgr := NewManager(bus.NewMessageBus(), zap.NewNop())
	ch := &mockChannel{name: "telegram"}
	mgr.Register(ch)
	assert.Equal(t, []string{"telegram"}, mgr.EnabledChannels())
	assert.Equal(t, ch, mgr.Get("telegram"))
	assert.Nil(t, mgr.Get("nonexistent"))
}

func TestManagerStopAll(t *testing.T) {
	mgr := NewManager(bus.NewMessageBus(), zap.NewNop())
	ch1 := &mockChannel{name: "ch1"}
	ch2 := &mockChannel{name: "ch2"}
	mgr.Register(ch1)
	mgr.Register(ch2)
	mgr.StopAll()
	assert.True(t, ch1.stopped)
	assert.True(t, ch2.stopped)
}

func TestManagerStatus(t *testing.T) {
	mgr := NewManager(bus.NewMessageBus(), zap.NewNop())
	up := &mockChannel{name: "up", started: true}
	mgr.Register(up)
	mgr.Register(&mockChannel{name: "down"})
	status := mgr.Status()
	assert.True(t, status["up"])
	assert.False(t, status["down"])
}

func TestManagerDispatchesOutboundToChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	mgr := NewManager(mb, zap.NewNop())
	ch := &mockChannel{name: "telegram"}
	mgr.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		mgr.StartAll(ctx)
		close(done)
	}()

	require.NoError(t, mb.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: "telegram", ChatID: "42", Content: "reply",
	}))

	require.Eventually(t, func() bool { return ch.sentCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	ch.mu.Lock()
	assert.Equal(t, "reply", ch.sent[0].Content)
	ch.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestFromConfigRegistersEnabledChannels(t *testing.T) {
	cfg := config.ChannelsConfig{
		Telegram: &config.TelegramConfig{ChannelCommon: config.ChannelCommon{Enabled: true}, Token: "tok"},
		Slack:    &config.SlackConfig{ChannelCommon: config.ChannelCommon{Enabled: false}},
	}
	mgr := FromConfig(cfg, bus.NewMessageBus(), t.TempDir(), zap.NewNop())
	assert.NotNil(t, mgr.Get("telegram"))
	assert.Nil(t, mgr.Get("slack"))
	assert.Nil(t, mgr.Get("whatsapp"))
}
