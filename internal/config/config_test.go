package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Agent.MaxConcurrentMessages)
	assert.Equal(t, 256, cfg.Bus.InboundSize)
	assert.Equal(t, 8, cfg.Subagents.Max)
}

func TestLoadMalformedFileIsValidationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, nberr.IsKind(err, nberr.Validation))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Agent.Model = "openai/gpt-4o"
	cfg.Channels.Telegram = &TelegramConfig{
		ChannelCommon: ChannelCommon{Enabled: true, AllowFrom: []string{"123"}},
		Token:         "tok",
	}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", loaded.Agent.Model)
	require.NotNil(t, loaded.Channels.Telegram)
	assert.True(t, loaded.Channels.Telegram.Enabled)
}

func TestValidateCoercesIterations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.MaxToolIterations = -5
	cfg.Agent.MaxConcurrentMessages = 0
	cfg.Validate(zap.NewNop())

	assert.Equal(t, 1, cfg.Agent.MaxToolIterations)
	assert.Equal(t, 1, cfg.Agent.MaxConcurrentMessages)
}

func TestProviderSelectionPriority(t *testing.T) {
	p := ProvidersConfig{
		OpenRouter: ProviderConfig{APIKey: "or"},
		OpenAI:     ProviderConfig{APIKey: "oa"},
	}
	name, cfg := p.Selected()
	assert.Equal(t, "openrouter", name)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.APIBase)

	p = ProvidersConfig{VLLM: ProviderConfig{APIBase: "http://localhost:8000/v1"}}
	name, cfg = p.Selected()
	assert.Equal(t, "vllm", name)
	assert.Empty(t, cfg.APIKey)
}

func TestDataPathProfile(t *testing.T) {
	assert.Contains(t, DataPath(""), ".nanobot")
	assert.Contains(t, DataPath("dev"), ".nanobot_dev")
}
