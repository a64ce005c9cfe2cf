package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// WhatsAppChannel speaks to the Node.js WhatsApp bridge sidecar over a
// WebSocket. The bridge owns the session; this side only relays messages.
type WhatsAppChannel struct {
	BaseChannel
	BridgeURL   string
	BridgeToken string

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	// writeFn overrides the WebSocket write in tests.
	writeFn func(payload []byte) error
}

// NewWhatsAppChannel creates a WhatsApp bridge adapter from config.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, log *zap.Logger) *WhatsAppChannel {
	url := cfg.BridgeURL
	if url == "" {
		url = "ws://localhost:3001"
	}
	return &WhatsAppChannel{
		BaseChannel: newBase("whatsapp", msgBus, cfg.ChannelCommon, log),
		BridgeURL:   url,
		BridgeToken: cfg.BridgeToken,
	}
}

func (w *WhatsAppChannel) Name() string { return "whatsapp" }

// Start connects to the bridge and reads events, reconnecting with a fixed
// backoff until ctx is cancelled.
func (w *WhatsAppChannel) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.setRunning(true)
	defer w.setRunning(false)

	for {
		if err := w.runConn(ctx); err != nil && ctx.Err() == nil {
			w.Log.Warn("whatsapp bridge connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (w *WhatsAppChannel) runConn(ctx context.Context) error {
	header := http.Header{}
	if w.BridgeToken != "" {
		header.Set("Authorization", "Bearer "+w.BridgeToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.BridgeURL, header)
	if err != nil {
		return err
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	w.Log.Info("whatsapp bridge connected", zap.String("url", w.BridgeURL))

	defer func() {
		w.connMu.Lock()
		w.conn = nil
		w.connected = false
		w.connMu.Unlock()
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.ProcessBridgeMessage(raw)
	}
}

// Stop disconnects from the bridge.
func (w *WhatsAppChannel) Stop() error {
	w.setRunning(false)
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// Send relays a reply through the bridge.
func (w *WhatsAppChannel) Send(msg bus.OutboundMessage) error {
	payload, _ := json.Marshal(map[string]string{
		"type": "send",
		"to":   msg.ChatID,
		"text": msg.Content,
	})
	if w.writeFn != nil {
		return w.writeFn(payload)
	}

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil || !w.connected {
		return nberr.New(nberr.Resource, "whatsapp bridge not connected")
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// ProcessBridgeMessage handles one event frame from the bridge.
func (w *WhatsAppChannel) ProcessBridgeMessage(raw []byte) {
	var data map[string]any
	if json.Unmarshal(raw, &data) != nil {
		return
	}

	msgType, _ := data["type"].(string)
	switch msgType {
	case "message":
		sender, _ := data["sender"].(string)
		pn, _ := data["pn"].(string)
		content, _ := data["content"].(string)

		senderID := pn
		if senderID == "" {
			senderID = sender
		}
		// "12345@s.whatsapp.net" allowlists as "12345".
		senderID, _, _ = strings.Cut(senderID, "@")

		w.HandleMessage(senderID, sender, content, nil, map[string]any{
			"message_id": data["id"],
			"is_group":   data["isGroup"],
		})

	case "status":
		status, _ := data["status"].(string)
		w.Log.Info("whatsapp bridge status", zap.String("status", status))
		w.connMu.Lock()
		w.connected = status == "connected"
		w.connMu.Unlock()

	case "qr":
		w.Log.Info("scan the QR code in the bridge terminal to connect WhatsApp")

	case "error":
		errMsg, _ := data["error"].(string)
		w.Log.Warn("whatsapp bridge error", zap.String("error", errMsg))
	}
}
