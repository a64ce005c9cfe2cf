package channels

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// Manager owns the channel adapters and fans outbound messages out to them.
type Manager struct {
	Bus      *bus.MessageBus
	log      *zap.Logger
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel manager.
func NewManager(msgBus *bus.MessageBus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		Bus:      msgBus,
		log:      log,
		channels: make(map[string]Channel),
	}
}

// FromConfig builds a manager with every enabled channel registered.
func FromConfig(cfg config.ChannelsConfig, msgBus *bus.MessageBus, dataDir string, log *zap.Logger) *Manager {
	m := NewManager(msgBus, log)
	if c := cfg.Telegram; c != nil && c.Enabled {
		m.Register(NewTelegramChannel(*c, msgBus, log))
	}
	if c := cfg.WhatsApp; c != nil && c.Enabled {
		m.Register(NewWhatsAppChannel(*c, msgBus, log))
	}
	if c := cfg.Slack; c != nil && c.Enabled {
		m.Register(NewSlackChannel(*c, msgBus, log))
	}
	if c := cfg.WebUI; c != nil && c.Enabled {
		m.Register(NewWebUIChannel(*c, msgBus, dataDir, log))
	}
	return m
}

// Register adds a channel.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name, or nil.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// EnabledChannels lists the registered channel names.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll subscribes each channel to its outbound messages, starts the bus
// dispatcher, and runs every channel until ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.RUnlock()

	if len(chans) == 0 {
		m.log.Info("no channels enabled")
		return nil
	}

	for name, ch := range chans {
		name, ch := name, ch
		m.Bus.Subscribe(name, func(msg bus.OutboundMessage) {
			if err := ch.Send(msg); err != nil {
				m.log.Warn("outbound send failed",
					zap.String("channel", name), zap.Error(err))
			}
		})
	}
	go m.Bus.DispatchOutbound(ctx)

	var wg sync.WaitGroup
	for name, ch := range chans {
		wg.Add(1)
		go func(n string, c Channel) {
			defer wg.Done()
			m.log.Info("starting channel", zap.String("channel", n))
			if err := c.Start(ctx); err != nil {
				m.log.Error("channel stopped with error",
					zap.String("channel", n), zap.Error(err))
			}
		}(name, ch)
	}
	wg.Wait()
	return nil
}

// StopAll stops every channel.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			m.log.Warn("channel stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
}

// Status reports each channel's running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
