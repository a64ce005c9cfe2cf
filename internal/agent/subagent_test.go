package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/providers"
)

// blockingProvider parks every chat call until released or cancelled.
type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, _ providers.ChatRequest) (*providers.LLMResponse, error) {
	select {
	case <-p.release:
		return textResponse("done after release"), nil
	case <-ctx.Done():
		return nil, &providers.Error{Kind: providers.Transient, Msg: ctx.Err().Error()}
	}
}

func (p *blockingProvider) Transcribe(context.Context, string) (string, error) { return "", nil }
func (p *blockingProvider) DefaultModel() string                              { return "test-model" }

func newTestManager(t *testing.T, provider providers.LLMProvider, mutate func(*config.Config)) (*SubagentManager, *bus.MessageBus) {
	t.Helper()
	ws := t.TempDir()
	b := bus.NewMessageBus()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	builder := NewContextBuilder(ws, nil, cfg.Agent, zap.NewNop())
	return NewSubagentManager(provider, b, builder, ws, cfg, zap.NewNop()), b
}

func waitAnnounce(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := b.NextInbound(ctx)
	require.True(t, ok, "timed out waiting for subagent announce")
	return msg
}

func TestSpawnRunsTaskAndAnnounces(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.LLMResponse{textResponse("the forecast is sunny")}}
	m, b := newTestManager(t, p, nil)

	reply, err := m.Spawn(context.Background(), "check the weather", "weather", "", "telegram", "42")
	require.NoError(t, err)
	assert.Contains(t, reply, "Subagent [weather] started")

	announce := waitAnnounce(t, b)
	assert.Equal(t, "system", announce.Channel)
	assert.Equal(t, "subagent", announce.SenderID)
	assert.Equal(t, "telegram:42", announce.ChatID)
	assert.Contains(t, announce.Content, "completed successfully")
	assert.Contains(t, announce.Content, "the forecast is sunny")

	m.Wait()
	assert.Equal(t, 0, m.RunningCount())
}

func TestSpawnRejectsEmptyTask(t *testing.T) {
	m, _ := newTestManager(t, &scriptedProvider{}, nil)
	_, err := m.Spawn(context.Background(), "   ", "", "", "cli", "direct")
	require.Error(t, err)
}

func TestSpawnEnforcesConcurrencyLimit(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	m, _ := newTestManager(t, p, func(c *config.Config) { c.Subagents.Max = 1 })

	_, err := m.Spawn(context.Background(), "long task", "", "", "cli", "direct")
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), "another task", "", "", "cli", "direct")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	close(p.release)
	m.Wait()
}

func TestListRunningAndCancel(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	m, b := newTestManager(t, p, nil)

	info := m.SpawnTask(context.Background(), "slow research", "research", "", "webui", "tab1")
	require.Nil(t, info["error"])
	task := info["task"].(map[string]any)
	taskID := task["id"].(string)

	running := m.ListRunning()
	require.Len(t, running, 1)
	assert.Equal(t, "research", running[0]["label"])

	require.True(t, m.Cancel(taskID))
	assert.False(t, m.Cancel("no-such-task"))

	announce := waitAnnounce(t, b)
	assert.Contains(t, announce.Content, "failed")
	assert.Contains(t, announce.Content, "Task was cancelled.")

	m.Wait()
	assert.Empty(t, m.ListRunning())
}

func TestSubagentTimeout(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	m, b := newTestManager(t, p, func(c *config.Config) { c.Subagents.TimeoutSeconds = 1 })

	_, err := m.Spawn(context.Background(), "never finishes", "stuck", "", "cli", "direct")
	require.NoError(t, err)

	announce := waitAnnounce(t, b)
	assert.Contains(t, announce.Content, "failed")
	assert.Contains(t, announce.Content, "timed out after 1s")
	m.Wait()
}

func TestOversizedResultTruncatedWithMarker(t *testing.T) {
	big := strings.Repeat("x", 500)
	p := &scriptedProvider{responses: []*providers.LLMResponse{textResponse(big)}}
	m, b := newTestManager(t, p, func(c *config.Config) { c.Subagents.ResultMaxChars = 200 })

	_, err := m.Spawn(context.Background(), "produce a huge report", "big", "", "cli", "direct")
	require.NoError(t, err)

	announce := waitAnnounce(t, b)
	assert.Contains(t, announce.Content, "[... truncated]")
	assert.Contains(t, announce.Content, strings.Repeat("x", 200))
	assert.NotContains(t, announce.Content, strings.Repeat("x", 201))
	m.Wait()
}

func TestSubagentLabelDefaultsToTaskPrefix(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.LLMResponse{textResponse("ok")}}
	m, b := newTestManager(t, p, nil)

	long := "summarize the quarterly report and highlight anomalies"
	_, err := m.Spawn(context.Background(), long, "", "", "cli", "direct")
	require.NoError(t, err)

	announce := waitAnnounce(t, b)
	assert.Contains(t, announce.Content, long[:30]+"...")
	m.Wait()
}

func TestBuildPromptIncludesTaskAndContext(t *testing.T) {
	m, _ := newTestManager(t, &scriptedProvider{}, nil)
	prompt := m.buildPrompt("count the files", "the user keeps notes in ~/notes")
	assert.Contains(t, prompt, "# Subagent")
	assert.Contains(t, prompt, "count the files")
	assert.Contains(t, prompt, "# Conversation Context")
	assert.Contains(t, prompt, "~/notes")
	assert.Contains(t, prompt, "MEMORY.md")
}
