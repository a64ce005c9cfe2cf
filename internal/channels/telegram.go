package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// Telegram caps message text at 4096 characters; longer replies are split.
const telegramMaxLen = 4096

// TelegramChannel talks to the Telegram Bot API over HTTP long polling.
type TelegramChannel struct {
	BaseChannel
	Token   string
	apiBase string // overridable in tests
	botUser string
	client  *http.Client
	cancel  context.CancelFunc
}

// NewTelegramChannel creates a Telegram adapter from config.
func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus, log *zap.Logger) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: newBase("telegram", msgBus, cfg.ChannelCommon, log),
		Token:       cfg.Token,
		apiBase:     "https://api.telegram.org",
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start long-polls getUpdates until ctx is cancelled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.Token == "" {
		return nberr.New(nberr.Validation, "telegram bot token not configured")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.setRunning(true)
	defer t.setRunning(false)

	info, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nberr.Wrap(nberr.External, "telegram getMe", err)
	}
	if result, ok := info["result"].(map[string]any); ok {
		if username, ok := result["username"].(string); ok {
			t.botUser = username
			t.Log.Info("telegram bot connected", zap.String("username", username))
		}
	}

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := t.apiCall(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         30,
			"allowed_updates": []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.Log.Warn("telegram getUpdates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		results, _ := updates["result"].([]any)
		for _, u := range results {
			update, ok := u.(map[string]any)
			if !ok {
				continue
			}
			if uid, ok := update["update_id"].(float64); ok {
				offset = int(uid) + 1
			}
			t.processUpdate(update)
		}
	}
}

// Stop cancels the polling loop.
func (t *TelegramChannel) Stop() error {
	t.setRunning(false)
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Send delivers a reply as Telegram HTML, falling back to plain text when
// the rendered markup is rejected.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, chunk := range splitMessage(msg.Content, telegramMaxLen) {
		result, err := t.apiCall(ctx, "sendMessage", map[string]any{
			"chat_id":    msg.ChatID,
			"text":       MarkdownToTelegramHTML(chunk),
			"parse_mode": "HTML",
		})
		if err == nil && result["ok"] == true {
			continue
		}
		if _, err = t.apiCall(ctx, "sendMessage", map[string]any{
			"chat_id": msg.ChatID,
			"text":    chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramChannel) processUpdate(update map[string]any) {
	msg, ok := update["message"].(map[string]any)
	if !ok {
		return
	}
	from, _ := msg["from"].(map[string]any)
	chat, _ := msg["chat"].(map[string]any)
	if from == nil || chat == nil {
		return
	}

	// Sender carries both the numeric id and the username so either can be
	// allowlisted.
	senderID := fmt.Sprintf("%.0f", from["id"])
	if username, ok := from["username"].(string); ok && username != "" {
		senderID = senderID + "|" + username
	}
	chatID := fmt.Sprintf("%.0f", chat["id"])

	text, _ := msg["text"].(string)
	if text == "" {
		text, _ = msg["caption"].(string)
	}
	if text == "" {
		text = "[empty message]"
	}

	t.HandleMessage(senderID, chatID, text, nil, map[string]any{
		"message_id": msg["message_id"],
	})
}

func (t *TelegramChannel) apiCall(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.Token, method)
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// splitMessage breaks content into chunks of at most max runes, preferring
// newline boundaries.
func splitMessage(content string, max int) []string {
	if content == "" {
		return []string{""}
	}
	var chunks []string
	runes := []rune(content)
	for len(runes) > max {
		cut := max
		for i := max - 1; i > max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(chunks, string(runes))
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[\\w]*\\n?([\\s\\S]*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	bulletRe     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

// MarkdownToTelegramHTML renders markdown into the HTML subset Telegram
// accepts. Code spans are lifted out first so escaping and the other rules
// never touch their contents.
func MarkdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	var codeBlocks, inlineCodes []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := codeBlockRe.FindStringSubmatch(m)
		codeBlocks = append(codeBlocks, sub[1])
		return fmt.Sprintf("\x00CB%d\x00", len(codeBlocks)-1)
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := inlineCodeRe.FindStringSubmatch(m)
		inlineCodes = append(inlineCodes, sub[1])
		return fmt.Sprintf("\x00IC%d\x00", len(inlineCodes)-1)
	})

	text = headingRe.ReplaceAllString(text, "$1")
	text = blockquoteRe.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = bulletRe.ReplaceAllString(text, "• ")

	for i, code := range inlineCodes {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i),
			"<code>"+escapeHTML(code)+"</code>")
	}
	for i, code := range codeBlocks {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i),
			"<pre><code>"+escapeHTML(code)+"</code></pre>")
	}
	return text
}
