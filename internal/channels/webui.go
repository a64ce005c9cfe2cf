package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// WebUIChannel serves the local browser UI: a WebSocket chat endpoint plus
// file uploads. It is the one trusted channel, so clients may route messages
// to a named session via "session_key".
type WebUIChannel struct {
	BaseChannel
	Host       string
	Port       int
	AuthToken  string
	UploadsDir string

	upgrader websocket.Upgrader
	server   *http.Server

	clientsMu sync.Mutex
	clients   map[string]*wsClient // chat id -> connection
}

// wsClient serializes writes to one WebSocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsInbound is a chat frame from the browser.
type wsInbound struct {
	Content    string   `json:"content"`
	ChatID     string   `json:"chat_id,omitempty"`
	SessionKey string   `json:"session_key,omitempty"`
	Media      []string `json:"media,omitempty"` // paths returned by /upload
}

// NewWebUIChannel creates the web UI adapter. Uploads land under
// dataDir/uploads/<upload-id>/.
func NewWebUIChannel(cfg config.WebUIConfig, msgBus *bus.MessageBus, dataDir string, log *zap.Logger) *WebUIChannel {
	common := cfg.ChannelCommon
	common.Trusted = true
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 18793
	}
	return &WebUIChannel{
		BaseChannel: newBase("webui", msgBus, common, log),
		Host:        host,
		Port:        port,
		AuthToken:   cfg.AuthToken,
		UploadsDir:  filepath.Join(dataDir, "uploads"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

func (w *WebUIChannel) Name() string { return "webui" }

// Start serves HTTP until ctx is cancelled.
func (w *WebUIChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.UploadsDir, 0o755); err != nil {
		return nberr.Wrap(nberr.Resource, "create uploads dir", err)
	}

	w.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", w.Host, w.Port),
		Handler: w.routes(),
	}
	w.setRunning(true)
	defer w.setRunning(false)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	w.Log.Info("web ui listening", zap.String("addr", w.server.Addr))
	if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down.
func (w *WebUIChannel) Stop() error {
	w.setRunning(false)
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(ctx)
	}
	return nil
}

// Send pushes a reply (or status update) to the connected browser tab.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	w.clientsMu.Lock()
	client := w.clients[msg.ChatID]
	w.clientsMu.Unlock()
	if client == nil {
		return nberr.Newf(nberr.Resource, "no web ui client for chat %s", msg.ChatID)
	}
	return client.writeJSON(map[string]any{
		"content":  msg.Content,
		"metadata": msg.Metadata,
	})
}

func (w *WebUIChannel) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(w.auth)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	r.Get("/ws", w.handleWS)
	r.Post("/upload", w.handleUpload)
	return r
}

// auth requires the configured token as a Bearer header or ?token= query
// parameter. No configured token means local-only open access.
func (w *WebUIChannel) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || got == r.Header.Get("Authorization") {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(w.AuthToken)) != 1 {
				http.Error(rw, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

func (w *WebUIChannel) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = "web-" + uuid.NewString()[:8]
	}
	client := &wsClient{conn: conn}

	w.clientsMu.Lock()
	w.clients[chatID] = client
	w.clientsMu.Unlock()
	defer func() {
		w.clientsMu.Lock()
		if w.clients[chatID] == client {
			delete(w.clients, chatID)
		}
		w.clientsMu.Unlock()
		conn.Close()
	}()

	client.writeJSON(map[string]any{"metadata": map[string]any{"type": "hello", "chat_id": chatID}})

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		var media []bus.Media
		for _, p := range in.Media {
			if w.isUploadPath(p) {
				media = append(media, bus.Media{Path: p})
			}
		}
		var metadata map[string]any
		if in.SessionKey != "" {
			metadata = map[string]any{"session_key": in.SessionKey}
		}
		if err := w.HandleMessage("webui", chatID, in.Content, media, metadata); err != nil {
			client.writeJSON(map[string]any{
				"content":  "The assistant is overloaded right now, please retry in a moment.",
				"metadata": map[string]any{"type": "error"},
			})
		}
	}
}

// handleUpload stores one multipart file under uploads/<upload-id>/ and
// returns the path the chat frame should reference.
func (w *WebUIChannel) handleUpload(rw http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(rw, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	uploadID := uuid.NewString()
	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(os.PathSeparator) {
		name = "upload.bin"
	}
	dir := filepath.Join(w.UploadsDir, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(rw, "upload failed", http.StatusInternalServerError)
		return
	}
	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		http.Error(rw, "upload failed", http.StatusInternalServerError)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		http.Error(rw, "upload failed", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"id": uploadID, "path": dst})
}

// isUploadPath accepts only files under the uploads directory; the browser
// must not be able to attach arbitrary host paths.
func (w *WebUIChannel) isUploadPath(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(w.UploadsDir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
