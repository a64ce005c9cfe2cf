package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
)

func testBuilder(t *testing.T) *ContextBuilder {
	t.Helper()
	ws := t.TempDir()
	cfg := config.DefaultConfig().Agent
	return NewContextBuilder(ws, nil, cfg, zap.NewNop())
}

func TestBuildSystemPromptIncludesIdentityAndBootstrap(t *testing.T) {
	b := testBuilder(t)
	require.NoError(t, os.WriteFile(filepath.Join(b.Workspace, "AGENTS.md"), []byte("Always be helpful."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b.Workspace, "SOUL.md"), []byte("Calm and curious."), 0o644))

	prompt := b.BuildSystemPrompt(PromptOptions{SessionKey: "cli:direct", MemoryScope: "session"})
	assert.Contains(t, prompt, "# nanobot")
	assert.Contains(t, prompt, "## AGENTS.md")
	assert.Contains(t, prompt, "Always be helpful.")
	assert.Contains(t, prompt, "## SOUL.md")
	// AGENTS.md comes before SOUL.md regardless of directory order.
	assert.Less(t, strings.Index(prompt, "## AGENTS.md"), strings.Index(prompt, "## SOUL.md"))
}

func TestBootstrapKeepsHeadWhenOverBudget(t *testing.T) {
	b := testBuilder(t)
	b.BootstrapMaxChars = 100
	content := "IMPORTANT FIRST LINE\n" + strings.Repeat("filler text\n", 100)
	require.NoError(t, os.WriteFile(filepath.Join(b.Workspace, "AGENTS.md"), []byte(content), 0o644))

	section := b.bootstrapSection()
	assert.Contains(t, section, "[truncated bootstrap to first 100 chars]")
	assert.Contains(t, section, "IMPORTANT FIRST LINE")
}

func TestTrimHistoryDropsOldestAndNotes(t *testing.T) {
	b := testBuilder(t)
	b.HistoryMaxChars = 30

	history := []map[string]any{
		{"role": "user", "content": "first message that is quite long"},
		{"role": "assistant", "content": "short"},
		{"role": "user", "content": "latest question"},
	}
	trimmed := b.TrimHistory(history)

	require.NotEmpty(t, trimmed)
	note, _ := trimmed[0]["content"].(string)
	assert.Contains(t, note, "earlier message(s) were omitted")
	last := trimmed[len(trimmed)-1]
	assert.Equal(t, "latest question", last["content"])
}

func TestTrimHistoryNoOpUnderBudget(t *testing.T) {
	b := testBuilder(t)
	history := []map[string]any{{"role": "user", "content": "hi"}}
	assert.Equal(t, history, b.TrimHistory(history))
}

func TestMemorySectionRetrievesRelevantNotes(t *testing.T) {
	b := testBuilder(t)
	idx, err := memory.OpenIndex(filepath.Join(t.TempDir(), "memory.sqlite3"))
	require.NoError(t, err)
	defer idx.Close()
	b.Index = idx

	store := memory.GlobalStore(b.Workspace)
	require.NoError(t, store.WriteLongTerm("Miso the cat prefers tuna over salmon.\n\nThe garden gets watered on Sundays."))

	prompt := b.BuildSystemPrompt(PromptOptions{
		SessionKey:     "cli:direct",
		MemoryScope:    "session",
		CurrentMessage: "what does Miso like to eat",
	})
	assert.Contains(t, prompt, "# Memory (Retrieved)")
	assert.Contains(t, prompt, "Miso the cat prefers tuna")
}

func TestSkillsSectionListsWorkspaceSkills(t *testing.T) {
	b := testBuilder(t)
	dir := filepath.Join(b.Workspace, "skills", "weather")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	skill := "---\nname: weather\ndescription: Check the forecast\n---\n\n# Weather\n\nUse curl wttr.in."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(skill), 0o644))

	prompt := b.BuildSystemPrompt(PromptOptions{SessionKey: "cli:direct", MemoryScope: "session"})
	assert.Contains(t, prompt, "# Skills")
	assert.Contains(t, prompt, "weather")
}

func TestBuildUserContentPlainWithoutMedia(t *testing.T) {
	b := testBuilder(t)
	content := b.buildUserContent("hello", nil)
	assert.Equal(t, "hello", content)
}

func TestBuildUserContentAttachesImage(t *testing.T) {
	b := testBuilder(t)
	img := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG fake image bytes"), 0o644))

	content := b.buildUserContent("what is this?", []bus.Media{{Path: img}})
	parts, ok := content.([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0]["type"])
	assert.Equal(t, "image_url", parts[1]["type"])

	imageURL := parts[1]["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(imageURL["url"].(string), "data:image/png;base64,"))
}

func TestBuildUserContentAttachesPDF(t *testing.T) {
	b := testBuilder(t)
	pdf := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4 fake"), 0o644))

	content := b.buildUserContent("summarize", []bus.Media{{Path: pdf}})
	parts, ok := content.([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "file", parts[1]["type"])

	file := parts[1]["file"].(map[string]any)
	assert.Equal(t, "report.pdf", file["filename"])
	assert.True(t, strings.HasPrefix(file["file_data"].(string), "data:application/pdf;base64,"))
}

func TestBuildUserContentOmitsOversizedAttachment(t *testing.T) {
	b := testBuilder(t)
	b.MediaMaxBytes = 8
	img := filepath.Join(t.TempDir(), "big.png")
	require.NoError(t, os.WriteFile(img, []byte("way more than eight bytes of data"), 0o644))

	content := b.buildUserContent("look", []bus.Media{{Path: img}})
	parts, ok := content.([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	note := parts[1]["text"].(string)
	assert.Contains(t, note, "omitted")
	assert.Contains(t, note, "big.png")
}

func TestBuildUserContentFallsBackWhenNothingAttachable(t *testing.T) {
	b := testBuilder(t)
	content := b.buildUserContent("hi", []bus.Media{{Path: "/nonexistent/file.png"}})
	assert.Equal(t, "hi", content)
}

func TestBuildMessagesShape(t *testing.T) {
	b := testBuilder(t)
	history := []map[string]any{{"role": "user", "content": "earlier"}}
	messages := b.BuildMessages(history, "now", MessageOptions{SessionKey: "cli:direct", MemoryScope: "session"})

	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0]["role"])
	assert.Equal(t, "earlier", messages[1]["content"])
	assert.Equal(t, "now", messages[2]["content"])
}

func TestAddAssistantMessageAndToolResult(t *testing.T) {
	messages := []map[string]any{}
	calls := []map[string]any{{"id": "call_1", "type": "function"}}
	messages = AddAssistantMessage(messages, "thinking", calls)
	messages = AddToolResult(messages, "call_1", "read_file", "contents here")

	require.Len(t, messages, 2)
	assert.Equal(t, "assistant", messages[0]["role"])
	assert.Equal(t, calls, messages[0]["tool_calls"])
	assert.Equal(t, "tool", messages[1]["role"])
	assert.Equal(t, "call_1", messages[1]["tool_call_id"])
	assert.Equal(t, "contents here", messages[1]["content"])
}
