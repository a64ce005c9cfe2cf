// Package agent implements the message-processing core: prompt assembly,
// the tool-calling loop, and background subagents.
package agent

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/skills"
)

// Bootstrap files loaded into the system prompt, in order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// ContextBuilder assembles the system prompt and message list for the LLM:
// workspace bootstrap files, retrieved memory, skills, and trimmed history.
type ContextBuilder struct {
	Workspace string
	Skills    *skills.Loader
	Index     *memory.Index

	BootstrapMaxChars int
	MemoryMaxChars    int
	SkillsMaxChars    int
	HistoryMaxChars   int
	MediaMaxBytes     int

	log *zap.Logger
}

// NewContextBuilder creates a builder rooted at the given workspace.
func NewContextBuilder(workspace string, idx *memory.Index, cfg config.AgentConfig, log *zap.Logger) *ContextBuilder {
	return &ContextBuilder{
		Workspace:         workspace,
		Skills:            skills.NewLoader(workspace, ""),
		Index:             idx,
		BootstrapMaxChars: cfg.BootstrapMaxChars,
		MemoryMaxChars:    cfg.MemoryMaxChars,
		SkillsMaxChars:    cfg.SkillsMaxChars,
		HistoryMaxChars:   cfg.HistoryMaxChars,
		MediaMaxBytes:     cfg.MediaMaxBytes,
		log:               log,
	}
}

// PromptOptions parameterize one system-prompt build.
type PromptOptions struct {
	SessionKey     string
	MemoryScope    string // "global", "session", or "user"
	MemoryKey      string
	CurrentMessage string
	History        []map[string]any
	SkillNames     []string
}

// BuildSystemPrompt joins the identity, bootstrap, memory, and skills
// sections with "---" separators.
func (b *ContextBuilder) BuildSystemPrompt(opts PromptOptions) string {
	if opts.MemoryKey == "" && opts.MemoryScope == "session" {
		opts.MemoryKey = opts.SessionKey
	}

	parts := []string{b.identitySection(opts.MemoryScope, opts.MemoryKey)}
	if s := b.bootstrapSection(); s != "" {
		parts = append(parts, s)
	}
	if s := b.memorySection(opts); s != "" {
		parts = append(parts, s)
	}
	if s := b.skillsSection(opts.SkillNames); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) identitySection(memoryScope, memoryKey string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspace, err := filepath.Abs(b.Workspace)
	if err != nil {
		workspace = b.Workspace
	}

	scope := strings.ToLower(strings.TrimSpace(memoryScope))
	if scope == "" {
		scope = "session"
	}
	store := memory.ForScope(b.Workspace, scope, memoryKey)
	scopeLabel := strings.Trim(scope+":"+memoryKey, ":")
	if memoryKey == "" {
		scopeLabel = "global"
	}

	return fmt.Sprintf(`# nanobot 🐈

You are nanobot — an autonomous AI agent. You are NOT an advisor. You are the executor.

You are not just a chatbot. You are an agent with persistent identity, memories, skills, and a defined soul.
You have access to workspace files that define these, and you are responsible for keeping them accurate and updated.

When a user asks you to do something, YOU DO IT. You use your tools to accomplish the task directly.
Do NOT tell the user how to do it. Do NOT list steps for them to follow. Do NOT suggest they use some other tool or environment. YOU are the one with the tools. YOU carry out the work.

## Core Behavior

- **Act, don't instruct.** If asked to read a URL, YOU call web_fetch. If asked to create a file, YOU call write_file. If asked to run a command, YOU call exec. Never respond with instructions for the user to do it themselves.
- **Use your tools immediately.** Don't ask permission. Don't hedge. Start working.
- **Report results, not procedures.** After completing a task, tell the user what you did and what happened — not what they should do next.
- **Ask only when truly ambiguous.** If the task is clear, execute it. Only ask for clarification when you genuinely cannot determine what the user wants.
- **Be concise.** Short answers for simple questions. Detailed output only when the task demands it.
- **Maintain identity + memory.** If the user updates your identity, personality, values, or role, update `+"`IDENTITY.md`"+` in the workspace and confirm the change. Also record durable facts in memory when appropriate.

## ⚡ Delegation — YOUR #1 PRIORITY

**You can only handle one message at a time per conversation.** While you are busy executing tool calls, the user CANNOT send you new messages — they have to wait. This is a terrible experience.

**Your default strategy: DELEGATE via `+"`spawn`"+`, then respond immediately.**

When a user asks you to do something that requires work (tool calls), you should:
1. Acknowledge the request briefly
2. Call `+"`spawn`"+` to hand off work to subagent(s) — you can call spawn MULTIPLE TIMES in a single response to run independent tasks in parallel
3. Respond to the user immediately — you're now free for the next message

The subagent runs in the background with full access to your tools (files, exec, web, etc.) and will report back when done. You then summarize the result for the user.

### When to spawn (MOST tasks):
- Any task requiring multiple tool calls
- Web searches, fetching URLs, research
- File creation, editing, or analysis
- Running commands or scripts
- Multi-step workflows
- Anything that takes more than a few seconds

### When to do it yourself (FEW tasks):
- Answering a question from your own knowledge (no tools needed)
- Reading a single short file the user asked about
- Very quick single-tool-call tasks (< 2 seconds)
- Conversational replies, clarifications, chitchat

**Rule of thumb: if it needs more than 1-2 tool calls, SPAWN IT. If the work has independent parts, spawn MULTIPLE subagents in parallel.**

## Your Tools

- **spawn** — 🔥 Delegate tasks to background subagents (USE THIS LIBERALLY)
- **subagent_control** — List or cancel running subagents
- **read_file / write_file / edit_file / list_dir** — File operations in your workspace
- **exec** — Run shell commands (with timeout and safety checks)
- **web_search / web_fetch** — Search the web and fetch page content
- **message** — Send messages to chat channels (WhatsApp, Telegram, etc.)
- **cron** — Schedule reminders and recurring tasks
- **remember** — Append a durable note to the active memory scope

## Current Time
%s

## Workspace
Your workspace is at: %s
- Active memory scope: %s
- Memory file: %s
- Daily notes: %s
- Custom skills: %s/skills/{skill-name}/SKILL.md

## Messaging Rules

When responding to direct questions or conversations, reply directly with your text response.
Only use the 'message' tool when you need to send a message to a specific chat channel (like WhatsApp).
For normal conversation, just respond with text — do not call the message tool.

## Memory

When remembering something important, write to the memory file above.`,
		now, workspace, scopeLabel, store.MemoryFile(), store.TodayFile(), workspace)
}

func (b *ContextBuilder) bootstrapSection() string {
	var parts []string
	for _, name := range bootstrapFiles {
		path := filepath.Join(b.Workspace, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, "## "+name+"\n\n"+string(data))
	}
	if len(parts) == 0 {
		return ""
	}
	// Keep the head so critical instructions at the top survive growth.
	return truncateHead(strings.Join(parts, "\n\n"), b.BootstrapMaxChars, "bootstrap")
}

func (b *ContextBuilder) memorySection(opts PromptOptions) string {
	if b.Index == nil {
		return ""
	}

	// Query from the current message plus recent user turns.
	queryParts := []string{opts.CurrentMessage}
	history := opts.History
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m["role"] == "user" {
			if c, ok := m["content"].(string); ok && c != "" {
				queryParts = append(queryParts, c)
			}
		}
	}
	query := strings.TrimSpace(strings.Join(nonEmpty(queryParts), "\n"))
	if query == "" {
		return ""
	}

	scope := strings.ToLower(strings.TrimSpace(opts.MemoryScope))
	if scope == "" {
		scope = "session"
	}
	scopeKey := opts.MemoryKey
	if scopeKey == "" && scope == "session" {
		scopeKey = opts.SessionKey
	}

	// Global memory is always searched alongside the active scope, so durable
	// facts kept globally still surface in scoped conversations.
	type scoped struct {
		store *memory.Store
		name  string
	}
	scopes := []scoped{{memory.GlobalStore(b.Workspace), "global"}}
	activeName := "global"
	if scopeKey != "" {
		activeName = scope + ":" + scopeKey
	}
	if activeName != "global" {
		scopes = append(scopes, scoped{memory.ForScope(b.Workspace, scope, scopeKey), activeName})
	}

	perScopeK := 10
	if len(scopes) > 1 {
		perScopeK = 6
	}

	seen := make(map[string]bool)
	var bullets []string
	for _, sc := range scopes {
		hits, err := b.Index.Retrieve(sc.store, query, perScopeK)
		if err != nil {
			b.log.Warn("memory retrieval failed", zap.String("scope", sc.name), zap.Error(err))
			continue
		}
		for _, h := range hits {
			key := strings.TrimSpace(h.Content)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			cleaned := strings.ReplaceAll(key, "\n", " ")
			if len(cleaned) > 400 {
				cleaned = cleaned[:400] + "..."
			}
			bullets = append(bullets, "- "+cleaned)
		}
	}
	if len(bullets) == 0 {
		return ""
	}

	text := "# Memory (Retrieved)\n\n" + strings.Join(bullets, "\n")
	return truncateTail(text, b.MemoryMaxChars, "memory")
}

func (b *ContextBuilder) skillsSection(skillNames []string) string {
	always := b.Skills.AlwaysSkills()
	alwaysSet := make(map[string]bool, len(always))
	for _, name := range always {
		alwaysSet[name] = true
	}
	var requested []string
	for _, name := range skillNames {
		name = strings.TrimSpace(name)
		if name != "" && !alwaysSet[name] {
			requested = append(requested, name)
		}
	}

	var parts []string
	var active []string
	if c := b.Skills.LoadForContext(always); c != "" {
		active = append(active, c)
	}
	if c := b.Skills.LoadForContext(requested); c != "" {
		active = append(active, c)
	}
	if len(active) > 0 {
		parts = append(parts, "# Active Skills\n\n"+strings.Join(active, "\n\n---\n\n"))
	}

	if summary := b.Skills.Summary(); summary != "" {
		parts = append(parts, `# Skills

The following skills extend your capabilities. To use a skill, read its SKILL.md file using the read_file tool.
Skills with available="false" need dependencies installed first - you can try installing them with apt/brew.

`+summary)
	}
	if len(parts) == 0 {
		return ""
	}
	return truncateTail(strings.Join(parts, "\n\n---\n\n"), b.SkillsMaxChars, "skills")
}

// TrimHistory drops the oldest messages until the total character count fits
// the history budget, prepending a note so the LLM knows context was cut.
func (b *ContextBuilder) TrimHistory(history []map[string]any) []map[string]any {
	if b.HistoryMaxChars <= 0 || len(history) == 0 {
		return history
	}

	total := 0
	for _, m := range history {
		total += messageChars(m)
	}
	if total <= b.HistoryMaxChars {
		return history
	}

	trimmed := append([]map[string]any(nil), history...)
	dropped := 0
	for len(trimmed) > 0 && total > b.HistoryMaxChars {
		total -= messageChars(trimmed[0])
		trimmed = trimmed[1:]
		dropped++
	}
	b.log.Info("history trimmed",
		zap.Int("dropped", dropped), zap.Int("remaining", len(trimmed)), zap.Int("chars", total))

	note := map[string]any{
		"role": "user",
		"content": fmt.Sprintf(
			"[System note: %d earlier message(s) were omitted because the conversation "+
				"exceeded the context budget. Focus on the remaining messages.]", dropped),
	}
	return append([]map[string]any{note}, trimmed...)
}

func messageChars(m map[string]any) int {
	switch c := m["content"].(type) {
	case string:
		return len(c)
	case []map[string]any:
		n := 0
		for _, p := range c {
			if t, ok := p["text"].(string); ok {
				n += len(t)
			}
		}
		return n
	}
	return 0
}

// MessageOptions parameterize one full message-list build.
type MessageOptions struct {
	SessionKey  string
	MemoryScope string
	MemoryKey   string
	SkillNames  []string
	Media       []bus.Media
}

// BuildMessages produces the complete LLM message list: system prompt,
// trimmed history, and the current user message with any attachments.
func (b *ContextBuilder) BuildMessages(history []map[string]any, current string, opts MessageOptions) []map[string]any {
	system := b.BuildSystemPrompt(PromptOptions{
		SessionKey:     opts.SessionKey,
		MemoryScope:    opts.MemoryScope,
		MemoryKey:      opts.MemoryKey,
		CurrentMessage: current,
		History:        history,
		SkillNames:     opts.SkillNames,
	})

	messages := []map[string]any{{"role": "system", "content": system}}
	messages = append(messages, b.TrimHistory(history)...)
	messages = append(messages, map[string]any{"role": "user", "content": b.buildUserContent(current, opts.Media)})
	return messages
}

// buildUserContent attaches images as data-URL image parts and PDFs as file
// parts. Attachments that are missing, unidentifiable, or over the size cap
// are skipped; with no usable attachments the plain text is returned.
func (b *ContextBuilder) buildUserContent(text string, media []bus.Media) any {
	if len(media) == 0 {
		return text
	}

	parts := []map[string]any{{"type": "text", "text": text}}
	for _, m := range media {
		mimeType := m.Mime
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(m.Path))
		}
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}
		if mimeType == "" {
			continue
		}

		info, err := os.Stat(m.Path)
		if err != nil || info.IsDir() {
			continue
		}
		if b.MediaMaxBytes > 0 && info.Size() > int64(b.MediaMaxBytes) {
			parts = append(parts, map[string]any{
				"type": "text",
				"text": fmt.Sprintf("[Attachment %s omitted: %d bytes exceeds the size limit]",
					filepath.Base(m.Path), info.Size()),
			})
			continue
		}

		switch {
		case strings.HasPrefix(mimeType, "image/"):
			data, err := os.ReadFile(m.Path)
			if err != nil {
				continue
			}
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
				},
			})
		case mimeType == "application/pdf":
			data, err := os.ReadFile(m.Path)
			if err != nil {
				continue
			}
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{
					"filename":  filepath.Base(m.Path),
					"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
				},
			})
		}
	}

	if len(parts) == 1 {
		return text
	}
	return parts
}

// AddAssistantMessage appends an assistant turn, with tool calls if present.
func AddAssistantMessage(messages []map[string]any, content string, toolCalls []map[string]any) []map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return append(messages, msg)
}

// AddToolResult appends a tool result turn.
func AddToolResult(messages []map[string]any, toolCallID, toolName, result string) []map[string]any {
	return append(messages, map[string]any{
		"role":         "tool",
		"tool_call_id": toolCallID,
		"name":         toolName,
		"content":      result,
	})
}

func truncateTail(text string, maxChars int, label string) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	return fmt.Sprintf("[truncated %s to last %d chars]\n%s", label, maxChars, text[len(text)-maxChars:])
}

func truncateHead(text string, maxChars int, label string) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	return fmt.Sprintf("[truncated %s to first %d chars]\n%s", label, maxChars, text[:maxChars])
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
