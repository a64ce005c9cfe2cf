// Package channels adapts chat transports (Telegram, WhatsApp, Slack, the
// local web UI) onto the message bus.
package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// Channel is a chat transport adapter. Start blocks until ctx is cancelled
// or the transport fails.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel holds the behavior every adapter shares: the sender allowlist,
// per-sender rate limiting, the trusted gate on session routing metadata, and
// non-blocking publishing onto the bus.
type BaseChannel struct {
	ChannelName string
	Bus         *bus.MessageBus
	AllowFrom   []string
	RatePerMin  int
	// Trusted channels may redirect sessions via "session_key" metadata;
	// the key is stripped from everyone else.
	Trusted bool
	Log     *zap.Logger

	mu       sync.Mutex
	running  bool
	limiters map[string]*rate.Limiter
}

func newBase(name string, msgBus *bus.MessageBus, common config.ChannelCommon, log *zap.Logger) BaseChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return BaseChannel{
		ChannelName: name,
		Bus:         msgBus,
		AllowFrom:   common.AllowFrom,
		RatePerMin:  common.RateLimitPerMinute,
		Trusted:     common.Trusted,
		Log:         log.With(zap.String("channel", name)),
	}
}

// IsRunning reports whether the adapter's Start loop is active.
func (b *BaseChannel) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *BaseChannel) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone. Sender IDs may carry extra identity parts separated by
// "|" (e.g. "12345|alice"); any part matching admits the sender.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowFrom) == 0 {
		return true
	}
	for _, part := range strings.Split(senderID, "|") {
		for _, allowed := range b.AllowFrom {
			if part == allowed {
				return true
			}
		}
	}
	return false
}

// allowRate applies the per-sender token bucket. The bucket is keyed on the
// stable id part of the sender, so "12345|alice" and "12345" share one.
func (b *BaseChannel) allowRate(senderID string) bool {
	if b.RatePerMin <= 0 {
		return true
	}
	key, _, _ := strings.Cut(senderID, "|")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiters == nil {
		b.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.RatePerMin)), b.RatePerMin)
		b.limiters[key] = lim
	}
	return lim.Allow()
}

// HandleMessage filters an incoming message and publishes it inbound. A full
// queue returns the bus's Resource error so the adapter can refuse politely
// instead of blocking its receive loop.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []bus.Media, metadata map[string]any) error {
	if !b.IsAllowed(senderID) {
		b.Log.Debug("sender not in allowlist", zap.String("sender", senderID))
		return nil
	}
	if !b.allowRate(senderID) {
		b.Log.Warn("sender rate limited, dropping message", zap.String("sender", senderID))
		return nil
	}
	if !b.Trusted && metadata != nil {
		delete(metadata, "session_key")
	}

	msg := bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   b.ChannelName,
		SenderID:  senderID,
		ChatID:    chatID,
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
		Media:     media,
		Metadata:  metadata,
	}
	if err := b.Bus.TryPublishInbound(msg); err != nil {
		b.Log.Warn("inbound queue full, dropping message",
			zap.String("sender", senderID), zap.Error(err))
		return err
	}
	return nil
}
