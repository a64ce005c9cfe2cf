package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/nberr"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

const subagentProgressInterval = 15 * time.Second

// subagentTask tracks one background task's lifecycle.
type subagentTask struct {
	ID            string
	Label         string
	Task          string
	OriginChannel string
	OriginChatID  string
	Status        string // running, ok, error, timeout, cancelled
	StartedAt     time.Time
	FinishedAt    time.Time
	Result        string
	cancel        context.CancelFunc
	cancelled     bool
}

// SubagentManager runs focused background agent instances. Subagents share
// the LLM provider and workspace but get an isolated prompt and a reduced
// tool set (no message, spawn, or cron). Results come back to the main loop
// as system messages on the bus.
type SubagentManager struct {
	provider  providers.LLMProvider
	bus       *bus.MessageBus
	builder   *ContextBuilder
	workspace string
	cfg       config.SubagentsConfig
	toolsCfg  config.ToolsConfig
	model     string
	log       *zap.Logger

	mu    sync.Mutex
	tasks map[string]*subagentTask
	wg    sync.WaitGroup
}

// NewSubagentManager creates a manager bound to the shared bus and provider.
func NewSubagentManager(provider providers.LLMProvider, b *bus.MessageBus, builder *ContextBuilder,
	workspace string, cfg config.Config, log *zap.Logger) *SubagentManager {
	model := cfg.Agent.Model
	if model == "" {
		model = provider.DefaultModel()
	}
	return &SubagentManager{
		provider:  provider,
		bus:       b,
		builder:   builder,
		workspace: workspace,
		cfg:       cfg.Subagents,
		toolsCfg:  cfg.Tools,
		model:     model,
		log:       log,
	}
}

// Spawn starts a background task and returns the confirmation line the main
// agent relays to the user. Implements tools.Spawner.
func (m *SubagentManager) Spawn(ctx context.Context, task, label, extra, originChannel, originChatID string) (string, error) {
	t, err := m.spawn(task, label, extra, originChannel, originChatID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", t.Label, t.ID), nil
}

// SpawnTask starts a background task and returns structured info for
// control surfaces like the WebUI.
func (m *SubagentManager) SpawnTask(ctx context.Context, task, label, extra, originChannel, originChatID string) map[string]any {
	t, err := m.spawn(task, label, extra, originChannel, originChatID)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"message": fmt.Sprintf("Subagent [%s] started (id: %s).", t.Label, t.ID),
		"task":    m.taskInfo(t),
	}
}

func (m *SubagentManager) spawn(task, label, extra, originChannel, originChatID string) (*subagentTask, error) {
	if strings.TrimSpace(task) == "" {
		return nil, nberr.New(nberr.Validation, "subagent task is empty")
	}
	if label == "" {
		label = task
		if len(label) > 30 {
			label = label[:30] + "..."
		}
	}
	if originChannel == "" {
		originChannel = "cli"
	}
	if originChatID == "" {
		originChatID = "direct"
	}

	timeout := time.Duration(m.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 900 * time.Second
	}

	m.mu.Lock()
	if m.cfg.Max > 0 && m.runningLocked() >= m.cfg.Max {
		m.mu.Unlock()
		return nil, nberr.Newf(nberr.Resource, "subagent limit reached (%d running)", m.cfg.Max)
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	t := &subagentTask{
		ID:            uuid.NewString()[:8],
		Label:         label,
		Task:          task,
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		Status:        "running",
		StartedAt:     time.Now(),
		cancel:        cancel,
	}
	if m.tasks == nil {
		m.tasks = make(map[string]*subagentTask)
	}
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.log.Info("spawned subagent", zap.String("id", t.ID), zap.String("label", t.Label))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, t, extra)
	}()
	return t, nil
}

func (m *SubagentManager) runningLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == "running" {
			n++
		}
	}
	return n
}

// ListRunning implements tools.Spawner.
func (m *SubagentManager) ListRunning() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []map[string]any
	for _, t := range m.tasks {
		if t.Status == "running" {
			items = append(items, m.taskInfo(t))
		}
	}
	return items
}

func (m *SubagentManager) taskInfo(t *subagentTask) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"label":      t.Label,
		"task":       t.Task,
		"status":     t.Status,
		"started_at": t.StartedAt.Unix(),
	}
}

// Cancel stops a running task. Implements tools.Spawner.
func (m *SubagentManager) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != "running" {
		return false
	}
	t.cancelled = true
	t.cancel()
	return true
}

// RunningCount returns the number of in-flight subagents.
func (m *SubagentManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

// Wait blocks until all running subagents finish.
func (m *SubagentManager) Wait() { m.wg.Wait() }

func (m *SubagentManager) run(ctx context.Context, t *subagentTask, extra string) {
	m.log.Info("subagent starting", zap.String("id", t.ID), zap.String("label", t.Label))

	stopStatus := make(chan struct{})
	var statusWG sync.WaitGroup
	statusWG.Add(1)
	go func() {
		defer statusWG.Done()
		m.statusLoop(t, stopStatus)
	}()

	result, runErr := m.runToolLoop(ctx, t, extra)

	m.mu.Lock()
	cancelled := t.cancelled
	m.mu.Unlock()

	status := "ok"
	switch {
	case runErr == nil:
	case cancelled:
		status = "cancelled"
		result = "Task was cancelled."
	case ctx.Err() == context.DeadlineExceeded:
		status = "timeout"
		result = fmt.Sprintf("Error: Subagent timed out after %ds", m.cfg.TimeoutSeconds)
	default:
		status = "error"
		result = fmt.Sprintf("Error: %v", runErr)
	}

	if m.cfg.ResultMaxChars > 0 && len(result) > m.cfg.ResultMaxChars {
		result = result[:m.cfg.ResultMaxChars] + "\n[... truncated]"
	}

	m.mu.Lock()
	t.Status = status
	t.FinishedAt = time.Now()
	t.Result = result
	m.pruneLocked()
	m.mu.Unlock()

	close(stopStatus)
	statusWG.Wait()

	m.log.Info("subagent finished", zap.String("id", t.ID), zap.String("status", status))
	m.announce(t, result, status)
}

// pruneLocked evicts the oldest finished tasks beyond a retention cap.
func (m *SubagentManager) pruneLocked() {
	const keepFinished = 50
	var finished []*subagentTask
	for _, t := range m.tasks {
		if t.Status != "running" {
			finished = append(finished, t)
		}
	}
	if len(finished) <= keepFinished {
		return
	}
	for i := 0; i < len(finished); i++ {
		for j := i + 1; j < len(finished); j++ {
			if finished[j].FinishedAt.Before(finished[i].FinishedAt) {
				finished[i], finished[j] = finished[j], finished[i]
			}
		}
	}
	for _, t := range finished[:len(finished)-keepFinished] {
		delete(m.tasks, t.ID)
	}
}

func (m *SubagentManager) statusLoop(t *subagentTask, stop <-chan struct{}) {
	ticker := time.NewTicker(subagentProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed := int(time.Since(t.StartedAt).Seconds())
			minutes, seconds := elapsed/60, elapsed%60
			var elapsedText string
			if minutes > 0 {
				elapsedText = fmt.Sprintf("%dm %ds", minutes, seconds)
			} else {
				elapsedText = fmt.Sprintf("%ds", seconds)
			}
			m.bus.PublishOutbound(context.Background(), bus.OutboundMessage{
				Channel:  t.OriginChannel,
				ChatID:   t.OriginChatID,
				Content:  fmt.Sprintf("Background task '%s' still running (%s).", t.Label, elapsedText),
				Metadata: map[string]any{"type": "status"},
			})
		}
	}
}

// buildRegistry assembles the subagent tool set: files, exec, and web only.
func (m *SubagentManager) buildRegistry() *tools.Registry {
	reg := tools.NewRegistry(tools.RegistryConfig{
		CacheSize:       m.toolsCfg.CacheSize,
		CacheTTLSeconds: m.toolsCfg.CacheTTLSeconds,
		TimeoutSeconds:  m.toolsCfg.DefaultTimeoutSeconds,
		Parallelism:     m.toolsCfg.Parallelism,
	}, m.log)

	allowedDir := ""
	if m.toolsCfg.RestrictToWorkspace {
		allowedDir = m.workspace
	}
	execTimeout := m.toolsCfg.Exec.Timeout
	if execTimeout <= 0 {
		execTimeout = 60
	}
	denyPatterns := m.toolsCfg.Exec.DenyPatterns
	if len(denyPatterns) == 0 {
		denyPatterns = tools.DefaultDenyPatterns
	}

	reg.Register(&tools.ReadFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.WriteFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.EditFileTool{AllowedDir: allowedDir})
	reg.Register(&tools.ListDirTool{AllowedDir: allowedDir})
	reg.Register(&tools.ExecTool{
		TimeoutSeconds:      execTimeout,
		WorkingDir:          m.workspace,
		DenyPatterns:        denyPatterns,
		RestrictToWorkspace: m.toolsCfg.RestrictToWorkspace,
	})
	reg.Register(&tools.WebSearchTool{APIKey: m.toolsCfg.BraveAPIKey})
	reg.Register(&tools.WebFetchTool{})
	return reg
}

func (m *SubagentManager) runToolLoop(ctx context.Context, t *subagentTask, extra string) (string, error) {
	reg := m.buildRegistry()
	messages := []map[string]any{
		{"role": "system", "content": m.buildPrompt(t.Task, extra)},
		{"role": "user", "content": t.Task},
	}

	maxIterations := m.cfg.MaxIterations
	if maxIterations < 1 {
		maxIterations = 15
	}

	var final string
	haveFinal := false
	errorStreak := 0
	nudged := false
	iteration := 0

	for iteration < maxIterations {
		iteration++
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := m.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    reg.Describe(),
			Model:    m.model,
		})
		if err != nil {
			return "", err
		}

		if resp.HasToolCalls() {
			toolCallDicts := make([]map[string]any, 0, len(resp.ToolCalls))
			calls := make([]tools.Call, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				argsJSON := marshalArgs(tc.Arguments)
				toolCallDicts = append(toolCallDicts, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": argsJSON,
					},
				})
				calls = append(calls, tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})
			}
			messages = AddAssistantMessage(messages, resp.Text(), toolCallDicts)

			results := reg.ExecuteBatch(ctx, calls)
			aborted := false
			for i, result := range results {
				messages = AddToolResult(messages, calls[i].ID, calls[i].Name, result)
				if isToolError(result) {
					errorStreak++
				} else {
					errorStreak = 0
				}
				if errorStreak >= 3 {
					final = "Task aborted: too many consecutive tool errors."
					haveFinal = true
					aborted = true
					break
				}
			}
			if aborted {
				break
			}
			continue
		}

		final = resp.Text()
		haveFinal = true
		if !nudged && strings.TrimSpace(final) == "" && iteration < maxIterations {
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
		final = fmt.Sprintf("Task completed but no final response was generated (reached %d/%d iterations).",
			iteration, maxIterations)
	}
	return final, nil
}

// announce posts the result back to the main agent as a system message. The
// chat_id packs the origin so the loop can route the summary.
func (m *SubagentManager) announce(t *subagentTask, result, status string) {
	statusText := "completed successfully"
	if status != "ok" {
		statusText = "failed"
	}
	content := fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like "subagent" or task IDs.`,
		t.Label, statusText, t.Task, result)

	err := m.bus.PublishInbound(context.Background(), bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   "system",
		SenderID:  "subagent",
		ChatID:    t.OriginChannel + ":" + t.OriginChatID,
		Role:      "system",
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.log.Warn("failed to announce subagent result", zap.String("id", t.ID), zap.Error(err))
	}
}

// buildPrompt assembles the subagent system prompt: a focused identity plus
// budgeted slices of the workspace bootstrap, memory, and skills context.
func (m *SubagentManager) buildPrompt(task, extra string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	identity := fmt.Sprintf(`# Subagent

You are a subagent spawned by the main agent to complete a specific task.
Follow the project conventions described below.

Current time: %s

## Your Task
%s

## Rules
1. Stay focused — complete only the assigned task, nothing else
2. Your final response will be reported back to the main agent
3. Do not initiate conversations or take on side tasks
4. Be concise but informative in your findings

## What You Can Do
- Read and write files in the workspace
- Execute shell commands
- Search the web and fetch web pages
- Complete the task thoroughly

## What You Cannot Do
- Send messages directly to users (no message tool available)
- Spawn other subagents

## Workspace
Your workspace is at: %s

When you have completed the task, provide a clear summary of your findings or actions.`,
		now, task, m.workspace)

	sections := []string{identity}
	const sectionBudget = 3000

	if m.builder != nil {
		if bootstrap := m.builder.bootstrapSection(); bootstrap != "" {
			sections = append(sections, capChars(bootstrap, sectionBudget))
		}
		if mem := m.builder.memorySection(PromptOptions{
			MemoryScope:    "global",
			CurrentMessage: task,
		}); mem != "" {
			sections = append(sections, capChars(mem, sectionBudget))
		}
		if summary := m.builder.Skills.Summary(); summary != "" {
			sections = append(sections, capChars(
				"# Skills\n\nYou can read a skill's SKILL.md file to learn how to use it.\n\n"+summary,
				sectionBudget))
		}
	}

	sections = append(sections, fmt.Sprintf(
		"## Memory\n\nYou can write durable findings to `%s` using the `write_file` tool. This persists across sessions.",
		filepath.Join(m.workspace, "memory", "MEMORY.md")))

	if extra != "" {
		sections = append(sections, "# Conversation Context\n\n"+capChars(extra, sectionBudget))
	}
	return strings.Join(sections, "\n\n---\n\n")
}

func capChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
