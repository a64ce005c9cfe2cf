// Package heartbeat wakes the agent periodically to work through the
// HEARTBEAT.md task list in the workspace.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileName is the workspace file that drives heartbeats.
const FileName = "HEARTBEAT.md"

// OKSentinel is the reply meaning "nothing to do"; it is never delivered.
const OKSentinel = "HEARTBEAT_OK"

const prompt = "Read " + FileName + " in your workspace and carry out any pending tasks it lists. " +
	"Use your tools as needed. If there is nothing actionable, reply with exactly " + OKSentinel + "."

// OnHeartbeat processes one heartbeat prompt and returns the agent's reply.
type OnHeartbeat func(ctx context.Context, prompt string) (string, error)

// Service ticks every interval and also wakes early when HEARTBEAT.md
// changes on disk.
type Service struct {
	workspace   string
	interval    time.Duration
	onHeartbeat OnHeartbeat
	log         *zap.Logger
}

// NewService creates a heartbeat service. intervalSeconds <= 0 uses the
// 1800s default.
func NewService(workspace string, intervalSeconds int, onHeartbeat OnHeartbeat, log *zap.Logger) *Service {
	if intervalSeconds <= 0 {
		intervalSeconds = 1800
	}
	return &Service{
		workspace:   workspace,
		interval:    time.Duration(intervalSeconds) * time.Second,
		onHeartbeat: onHeartbeat,
		log:         log,
	}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("heartbeat service started", zap.Duration("interval", s.interval))

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(s.workspace); err != nil {
			s.log.Warn("heartbeat file watch unavailable", zap.Error(err))
		} else {
			go s.watch(ctx, watcher, wake)
		}
	} else {
		s.log.Warn("heartbeat file watch unavailable", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat service stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
		s.Tick(ctx)
	}
}

// watch forwards HEARTBEAT.md writes as early wake-ups, debounced so a
// burst of editor saves produces one tick.
func (s *Service) watch(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("heartbeat watcher error", zap.Error(err))
		}
	}
}

// Tick runs one heartbeat pass. It is a no-op when the file is missing or
// holds nothing actionable.
func (s *Service) Tick(ctx context.Context) {
	data, err := os.ReadFile(filepath.Join(s.workspace, FileName))
	if err != nil {
		return
	}
	if effectivelyEmpty(string(data)) {
		return
	}

	s.log.Debug("heartbeat tick")
	reply, err := s.onHeartbeat(ctx, prompt)
	if err != nil {
		s.log.Warn("heartbeat processing failed", zap.Error(err))
		return
	}
	if strings.TrimSpace(reply) == OKSentinel {
		return
	}
	s.log.Info("heartbeat produced work", zap.String("reply", firstLine(reply)))
}

// effectivelyEmpty reports whether the file holds no actionable content:
// headers, blank lines, and bare checkbox/bullet markers do not count.
func effectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
		case line == "- [ ]" || line == "- [x]" || line == "-" || line == "*":
		default:
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
