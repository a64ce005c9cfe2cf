package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/session"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// Deps are the collaborators a Loop needs. Cron and Subagents may be nil
// (the corresponding tools then report themselves unconfigured).
type Deps struct {
	Bus       *bus.MessageBus
	Sessions  *session.Store
	Provider  providers.LLMProvider
	Builder   *ContextBuilder
	Subagents *SubagentManager
	Cron      tools.CronScheduler
	Config    config.Config
	Workspace string
	Log       *zap.Logger
}

// Loop consumes inbound messages, runs the tool-calling conversation with
// the LLM, and publishes replies. Messages for the same session run in
// arrival order; distinct sessions run concurrently up to a global cap.
type Loop struct {
	deps Deps
	log  *zap.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewLoop creates the agent loop.
func NewLoop(deps Deps) *Loop {
	maxConcurrent := deps.Config.Agent.MaxConcurrentMessages
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Loop{
		deps:  deps,
		log:   deps.Log,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		tails: make(map[string]chan struct{}),
	}
}

// Run consumes the inbound queue until ctx is cancelled or the bus closes,
// then waits for in-flight messages up to the shutdown grace period.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("agent loop started")

	procCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		// Admission: hold a concurrency slot before taking the next message,
		// so when all slots are busy the backlog waits in the bounded inbound
		// queue rather than piling up as spawned goroutines.
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, ok := l.deps.Bus.NextInbound(ctx)
		if !ok {
			l.sem.Release(1)
			break
		}
		l.dispatch(procCtx, msg)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	grace := time.Duration(l.deps.Config.Shutdown.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		l.log.Warn("shutdown grace elapsed, abandoning in-flight messages")
	}
	l.log.Info("agent loop stopped")
}

// sessionKeyFor resolves the effective session key. Channels strip the
// session_key metadata from untrusted senders before publishing, so an
// override present here has already been vetted.
func sessionKeyFor(msg bus.InboundMessage) string {
	if k := msg.MetaSessionKey(); k != "" {
		return k
	}
	return msg.SessionKey()
}

// dispatch runs the message behind the previous one for its session. The
// caller has already acquired a concurrency slot; if the session tail is
// still busy, the slot is handed back while this message waits its turn and
// reacquired before it runs, so a long tail never starves other sessions.
func (l *Loop) dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := sessionKeyFor(msg)

	l.mu.Lock()
	prev := l.tails[key]
	done := make(chan struct{})
	l.tails[key] = done
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		held := true
		defer func() {
			if held {
				l.sem.Release(1)
			}
		}()
		defer l.wg.Done()
		defer func() {
			close(done)
			l.mu.Lock()
			if l.tails[key] == done {
				delete(l.tails, key)
			}
			l.mu.Unlock()
		}()

		if prev != nil {
			l.sem.Release(1)
			held = false
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return
			}
			held = true
		}

		out, err := l.processMessage(ctx, msg, "")
		if err != nil {
			l.log.Error("message processing failed",
				zap.String("session", key), zap.Error(err))
			out = &bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: fmt.Sprintf("Sorry, I encountered an error: %v", err),
			}
		}
		if out != nil {
			l.deps.Bus.PublishOutbound(ctx, *out)
		}
	}()
}

// ProcessDirect handles a message synchronously for CLI usage.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string, media []bus.Media) (string, error) {
	msg := bus.InboundMessage{
		Channel:  "cli",
		SenderID: "user",
		ChatID:   "direct",
		Content:  content,
		Media:    media,
	}
	if sessionKey == "" {
		sessionKey = "cli:direct"
	}
	out, err := l.processMessage(ctx, msg, sessionKey)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (l *Loop) processMessage(ctx context.Context, msg bus.InboundMessage, keyOverride string) (*bus.OutboundMessage, error) {
	if msg.Channel == "system" {
		return l.processSystemMessage(ctx, msg)
	}
	if out := l.processControlMessage(ctx, msg); out != nil {
		return out, nil
	}

	l.log.Info("processing message",
		zap.String("channel", msg.Channel), zap.String("sender", msg.SenderID))

	key := keyOverride
	if key == "" {
		key = sessionKeyFor(msg)
	}
	sess, err := l.deps.Sessions.Load(key)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(sess.Settings.Model)
	if model == "" && msg.Metadata != nil {
		if m, ok := msg.Metadata["model"].(string); ok {
			model = strings.TrimSpace(m)
		}
	}

	memScope := l.deps.Config.Agent.MemoryScope
	memKey := key
	if memScope == "user" {
		memKey = msg.Channel + ":" + msg.SenderID
	}

	reg := l.buildRegistry(msg.Channel, msg.ChatID, sess.Settings, memScope, memKey)
	messages := l.deps.Builder.BuildMessages(sess.History(), msg.Content, MessageOptions{
		SessionKey:  key,
		MemoryScope: memScope,
		MemoryKey:   memKey,
		Media:       msg.Media,
	})

	final := l.runToolLoop(ctx, toolLoopParams{
		messages:      messages,
		registry:      reg,
		backoffReply:  "I'm hitting repeated tool errors. Please rephrase or provide more specific inputs.",
		noReply:       "I've completed processing but have no response to give.",
		channel:       msg.Channel,
		chatID:        msg.ChatID,
		verbosity:     sess.Settings.Verbosity,
		model:         model,
	})

	var persistErr error
	if err := l.deps.Sessions.Append(key, session.NewTurn("user", msg.Content, msg.Media)); err != nil {
		l.log.Warn("failed to persist user turn", zap.String("session", key), zap.Error(err))
		persistErr = err
	}
	if err := l.deps.Sessions.Append(key, session.NewTurn("assistant", final, nil)); err != nil {
		l.log.Warn("failed to persist assistant turn", zap.String("session", key), zap.Error(err))
		persistErr = err
	}
	if persistErr != nil {
		// Surface the failure to the user; the in-memory reply still goes out.
		l.deps.Bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  fmt.Sprintf("Warning: this turn could not be saved to session history: %v", persistErr),
			Metadata: map[string]any{"type": "error"},
		})
	}

	return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: final}, nil
}

// processSystemMessage handles subagent announces and other internal events.
// The chat_id carries the origin as "channel:chat_id" so the reply routes
// back to the conversation that spawned the work.
func (l *Loop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	l.log.Info("processing system message", zap.String("sender", msg.SenderID))

	originChannel, originChatID := "cli", msg.ChatID
	if i := strings.Index(msg.ChatID, ":"); i >= 0 {
		originChannel, originChatID = msg.ChatID[:i], msg.ChatID[i+1:]
	}
	key := originChannel + ":" + originChatID

	sess, err := l.deps.Sessions.Load(key)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(sess.Settings.Model)

	// Memory stays session-scoped so notes are not attributed to the
	// subagent sender.
	reg := l.buildRegistry(originChannel, originChatID, sess.Settings, "session", key)
	messages := l.deps.Builder.BuildMessages(sess.History(), msg.Content, MessageOptions{
		SessionKey:  key,
		MemoryScope: "session",
		MemoryKey:   key,
	})

	final := l.runToolLoop(ctx, toolLoopParams{
		messages:     messages,
		registry:     reg,
		backoffReply: "Background task hit repeated tool errors. Please rephrase or provide more specific inputs.",
		noReply:      "Background task completed.",
		channel:      originChannel,
		chatID:       originChatID,
		verbosity:    sess.Settings.Verbosity,
		model:        model,
	})

	content := msg.Content
	if limit := l.deps.Config.Subagents.ResultMaxChars; limit > 0 && len(content) > limit {
		content = content[:limit] + "\n[... truncated]"
	}
	if err := l.deps.Sessions.Append(key, session.NewTurn("user", fmt.Sprintf("[System: %s] %s", msg.SenderID, content), nil)); err != nil {
		l.log.Warn("failed to persist system turn", zap.String("session", key), zap.Error(err))
	}
	if err := l.deps.Sessions.Append(key, session.NewTurn("assistant", final, nil)); err != nil {
		l.log.Warn("failed to persist assistant turn", zap.String("session", key), zap.Error(err))
	}

	return &bus.OutboundMessage{Channel: originChannel, ChatID: originChatID, Content: final}, nil
}

// processControlMessage answers WebUI subagent controls without an LLM call.
func (l *Loop) processControlMessage(ctx context.Context, msg bus.InboundMessage) *bus.OutboundMessage {
	if msg.Channel != "webui" || msg.Metadata == nil {
		return nil
	}
	control, ok := msg.Metadata["control"].(map[string]any)
	if !ok {
		return nil
	}
	action, _ := control["action"].(string)

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "subagent_list":
		var tasks []map[string]any
		if l.deps.Subagents != nil {
			tasks = l.deps.Subagents.ListRunning()
		}
		return &bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Metadata: map[string]any{"type": "subagents", "data": map[string]any{"tasks": tasks}},
		}
	case "subagent_spawn":
		task, _ := control["task"].(string)
		task = strings.TrimSpace(task)
		if task == "" || l.deps.Subagents == nil {
			return &bus.OutboundMessage{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				Content:  "Missing task.",
				Metadata: map[string]any{"type": "subagent_event", "data": map[string]any{"ok": false}},
			}
		}
		label, _ := control["label"].(string)
		result := l.deps.Subagents.SpawnTask(ctx, task, strings.TrimSpace(label), "", msg.Channel, msg.ChatID)
		data := map[string]any{"ok": result["error"] == nil}
		for k, v := range result {
			data[k] = v
		}
		content, _ := result["message"].(string)
		return &bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  content,
			Metadata: map[string]any{"type": "subagent_event", "data": data},
		}
	case "subagent_cancel":
		taskID, _ := control["task_id"].(string)
		taskID = strings.TrimSpace(taskID)
		ok := false
		if taskID != "" && l.deps.Subagents != nil {
			ok = l.deps.Subagents.Cancel(taskID)
		}
		return &bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Metadata: map[string]any{"type": "subagent_event", "data": map[string]any{"ok": ok, "task_id": taskID}},
		}
	}
	return nil
}

// buildRegistry assembles a per-request tool registry so delivery targets
// and session overrides never leak across concurrent conversations.
func (l *Loop) buildRegistry(channel, chatID string, settings session.Settings, memScope, memKey string) *tools.Registry {
	cfg := l.deps.Config.Tools

	restrict := cfg.RestrictToWorkspace
	if settings.RestrictWorkspace != nil {
		if *settings.RestrictWorkspace || cfg.AllowUnrestrictedWorkspace {
			restrict = *settings.RestrictWorkspace
		}
	}
	allowedDir := ""
	if restrict {
		allowedDir = l.deps.Workspace
	}

	reg := tools.NewRegistry(tools.RegistryConfig{
		CacheSize:       cfg.CacheSize,
		CacheTTLSeconds: cfg.CacheTTLSeconds,
		TimeoutSeconds:  cfg.DefaultTimeoutSeconds,
		Parallelism:     cfg.Parallelism,
	}, l.log)

	execTimeout := cfg.Exec.Timeout
	if execTimeout <= 0 {
		execTimeout = 60
	}
	denyPatterns := cfg.Exec.DenyPatterns
	if len(denyPatterns) == 0 {
		denyPatterns = tools.DefaultDenyPatterns
	}

	reg.Register(&tools.ReadFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.WriteFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.EditFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.ListDirTool{AllowedDir: allowedDir})
	reg.Register(&tools.ExecTool{
		TimeoutSeconds:      execTimeout,
		WorkingDir:          l.deps.Workspace,
		DenyPatterns:        denyPatterns,
		RestrictToWorkspace: restrict,
	})
	reg.Register(&tools.WebSearchTool{APIKey: cfg.BraveAPIKey})
	reg.Register(&tools.WebFetchTool{})
	reg.Register(&tools.MessageTool{
		SendCallback: func(out bus.OutboundMessage) error {
			return l.deps.Bus.PublishOutbound(context.Background(), out)
		},
		DefaultChannel: channel,
		DefaultChatID:  chatID,
	})
	var spawner tools.Spawner
	if l.deps.Subagents != nil {
		spawner = l.deps.Subagents
	}
	reg.Register(&tools.SpawnTool{
		Manager:       spawner,
		OriginChannel: channel,
		OriginChatID:  chatID,
	})
	reg.Register(&tools.SubagentControlTool{Manager: spawner})
	reg.Register(&tools.CronTool{Cron: l.deps.Cron, Channel: channel, ChatID: chatID})
	reg.Register(&tools.RememberTool{Workspace: l.deps.Workspace, Scope: memScope, ScopeKey: memKey})

	if settings.AllowedTools != nil {
		reg.SetAllowed(settings.AllowedTools)
	} else if cfg.Allowed != nil {
		reg.SetAllowed(cfg.Allowed)
	}
	return reg
}

type toolLoopParams struct {
	messages     []map[string]any
	registry     *tools.Registry
	backoffReply string
	noReply      string
	channel      string
	chatID       string
	verbosity    string
	model        string
}

// runToolLoop drives the chat/tool-call cycle until the model produces a
// text reply, the iteration cap is hit, or a tool error streak aborts it.
func (l *Loop) runToolLoop(ctx context.Context, p toolLoopParams) string {
	maxIterations := l.deps.Config.Agent.MaxToolIterations
	if maxIterations < 1 {
		maxIterations = 20
	}
	backoffAfter := l.deps.Config.Agent.ToolErrorBackoff

	messages := p.messages
	var final string
	haveFinal := false
	errorStreak := 0
	nudged := false
	var lastStatus time.Time

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := l.deps.Provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       p.registry.Describe(),
			Model:       p.model,
			MaxTokens:   l.deps.Config.Agent.MaxTokens,
			Temperature: l.deps.Config.Agent.Temperature,
		})
		if err != nil {
			return fmt.Sprintf("Sorry, I encountered an error: %v", err)
		}

		if resp.HasToolCalls() {
			toolCallDicts := make([]map[string]any, 0, len(resp.ToolCalls))
			calls := make([]tools.Call, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCallDicts = append(toolCallDicts, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				})
				calls = append(calls, tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})

				if p.channel != "" && p.chatID != "" {
					lastStatus = l.maybeEmitToolStatus(ctx, p, tc.Name, tc.Arguments, lastStatus)
				}
			}
			messages = AddAssistantMessage(messages, resp.Text(), toolCallDicts)

			results := p.registry.ExecuteBatch(ctx, calls)
			aborted := false
			for i, result := range results {
				messages = AddToolResult(messages, calls[i].ID, calls[i].Name, result)
				if backoffAfter > 0 {
					if isToolError(result) {
						errorStreak++
					} else {
						errorStreak = 0
					}
					if errorStreak >= backoffAfter {
						final = p.backoffReply
						haveFinal = true
						aborted = true
						break
					}
				}
			}
			if aborted {
				break
			}
			continue
		}

		final = resp.Text()
		haveFinal = true

		// Some models return empty content with no tool calls when they
		// consider the task done. Nudge once for a text summary.
		if !nudged && strings.TrimSpace(final) == "" && iteration < maxIterations-1 {
			nudged = true
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": "Please reply with a brief summary of what you did.",
			})
			haveFinal = false
			continue
		}
		break
	}

	if !haveFinal || final == "" {
		final = p.noReply
	}
	return final
}

func isToolError(result string) bool {
	return strings.HasPrefix(result, "Error:")
}

// maybeEmitToolStatus publishes a progress line when enough time has passed
// since the last one. Verbosity widens or narrows the interval.
func (l *Loop) maybeEmitToolStatus(ctx context.Context, p toolLoopParams, toolName string, args map[string]any, last time.Time) time.Time {
	interval := 2 * time.Second
	switch strings.ToLower(strings.TrimSpace(p.verbosity)) {
	case "low":
		interval = 5 * time.Second
	case "high":
		interval = 800 * time.Millisecond
	}
	now := time.Now()
	if now.Sub(last) < interval {
		return last
	}
	l.deps.Bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:  p.channel,
		ChatID:   p.chatID,
		Content:  formatToolStatus(toolName, args),
		Metadata: map[string]any{"type": "status"},
	})
	return now
}

func formatToolStatus(toolName string, args map[string]any) string {
	str := func(key string) string {
		s, _ := args[key].(string)
		return strings.TrimSpace(s)
	}
	switch toolName {
	case "web_fetch":
		host := ""
		if u, err := url.Parse(str("url")); err == nil {
			host = u.Host
		}
		if host == "" {
			host = "a web page"
		}
		return fmt.Sprintf("Fetching %s...", host)
	case "web_search":
		if q := str("query"); q != "" {
			return "Searching the web: " + q
		}
		return "Searching the web..."
	case "read_file":
		if p := str("path"); p != "" {
			return fmt.Sprintf("Reading %s...", p)
		}
		return "Reading a file..."
	case "write_file":
		if p := str("path"); p != "" {
			return fmt.Sprintf("Writing %s...", p)
		}
		return "Writing a file..."
	case "edit_file":
		if p := str("path"); p != "" {
			return fmt.Sprintf("Editing %s...", p)
		}
		return "Editing a file..."
	case "list_dir":
		if p := str("path"); p != "" {
			return fmt.Sprintf("Listing %s...", p)
		}
		return "Listing a folder..."
	case "exec":
		return "Running a command..."
	case "message":
		return "Sending a message..."
	case "spawn":
		return "Starting a background task..."
	}
	return "Working on it..."
}
