// Package config handles configuration loading, saving, and schema definition.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level nanobot configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Subagents SubagentsConfig `json:"subagents"`
	Bus       BusConfig       `json:"bus"`
	Tools     ToolsConfig     `json:"tools"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
}

// AgentConfig holds agent loop behavior settings.
type AgentConfig struct {
	Model                 string  `json:"model,omitempty"`
	MaxTokens             int     `json:"maxTokens,omitempty"`
	Temperature           float64 `json:"temperature,omitempty"`
	MaxToolIterations     int     `json:"maxToolIterations,omitempty"`
	MaxConcurrentMessages int     `json:"maxConcurrentMessages,omitempty"`
	ToolErrorBackoff      int     `json:"toolErrorBackoff,omitempty"`
	MemoryScope           string  `json:"memoryScope,omitempty"` // "session" or "user"
	Workspace             string  `json:"workspace,omitempty"`

	// Prompt budgets (characters; sliding-window truncation).
	BootstrapMaxChars int `json:"bootstrapMaxChars,omitempty"`
	MemoryMaxChars    int `json:"memoryMaxChars,omitempty"`
	SkillsMaxChars    int `json:"skillsMaxChars,omitempty"`
	HistoryMaxChars   int `json:"historyMaxChars,omitempty"`
	MediaMaxBytes     int `json:"mediaMaxBytes,omitempty"`
}

// SubagentsConfig bounds background subagent execution.
type SubagentsConfig struct {
	Max            int `json:"max,omitempty"`
	MaxIterations  int `json:"maxIterations,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	ResultMaxChars int `json:"resultMaxChars,omitempty"`
}

// BusConfig sizes the message bus queues.
type BusConfig struct {
	InboundSize  int `json:"inboundSize,omitempty"`
	OutboundSize int `json:"outboundSize,omitempty"`
}

// HeartbeatConfig controls the periodic HEARTBEAT.md wake-ups.
type HeartbeatConfig struct {
	IntervalSeconds int `json:"intervalSeconds,omitempty"`
}

// ShutdownConfig controls graceful stop behavior.
type ShutdownConfig struct {
	GraceSeconds int `json:"graceSeconds,omitempty"`
}

// ToolsConfig holds tool-related settings.
type ToolsConfig struct {
	Parallelism           int        `json:"parallelism,omitempty"`
	CacheSize             int        `json:"cacheSize,omitempty"`
	CacheTTLSeconds       int        `json:"cacheTtlSeconds,omitempty"`
	DefaultTimeoutSeconds int        `json:"defaultTimeoutSeconds,omitempty"`
	Allowed               []string   `json:"allowed,omitempty"`
	RestrictToWorkspace   bool       `json:"restrictToWorkspace"`
	// AllowUnrestrictedWorkspace gates session-level restrict_workspace
	// toggles; without it, untrusted toggle attempts are refused.
	AllowUnrestrictedWorkspace bool       `json:"allowUnrestrictedWorkspace,omitempty"`
	Exec                       ExecConfig `json:"exec,omitempty"`
	BraveAPIKey                string     `json:"braveApiKey,omitempty"`
}

// ExecConfig holds shell execution settings.
type ExecConfig struct {
	Timeout      int      `json:"timeout,omitempty"`
	DenyPatterns []string `json:"denyPatterns,omitempty"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	WebUI    *WebUIConfig    `json:"webui,omitempty"`
}

// ChannelCommon holds settings every channel shares.
type ChannelCommon struct {
	Enabled            bool     `json:"enabled"`
	AllowFrom          []string `json:"allowFrom,omitempty"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute,omitempty"`
	// Trusted channels may redirect session routing via metadata.
	Trusted bool `json:"trusted,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	ChannelCommon
	Token string `json:"token"`
}

// WhatsAppConfig holds WhatsApp bridge settings.
type WhatsAppConfig struct {
	ChannelCommon
	BridgeURL   string `json:"bridgeUrl,omitempty"`
	BridgeToken string `json:"bridgeToken,omitempty"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	ChannelCommon
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

// WebUIConfig holds local browser UI settings.
type WebUIConfig struct {
	ChannelCommon
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

// ProviderConfig holds one LLM provider's credentials.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

// ProvidersConfig holds LLM provider configuration.
type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	Anthropic  ProviderConfig `json:"anthropic,omitempty"`
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
	VLLM       ProviderConfig `json:"vllm,omitempty"`
}

// Selected returns the first configured provider, in priority order.
// Key and base are taken from the same entry so they never mismatch.
func (p *ProvidersConfig) Selected() (name string, cfg ProviderConfig) {
	switch {
	case p.OpenRouter.APIKey != "":
		cfg = p.OpenRouter
		if cfg.APIBase == "" {
			cfg.APIBase = "https://openrouter.ai/api/v1"
		}
		return "openrouter", cfg
	case p.Anthropic.APIKey != "":
		return "anthropic", p.Anthropic
	case p.OpenAI.APIKey != "":
		return "openai", p.OpenAI
	case p.Groq.APIKey != "":
		return "groq", p.Groq
	case p.VLLM.APIKey != "" || p.VLLM.APIBase != "":
		return "vllm", p.VLLM
	}
	return "", ProviderConfig{}
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Model:                 "anthropic/claude-sonnet-4-5",
			MaxTokens:             8192,
			Temperature:           0.7,
			MaxToolIterations:     20,
			MaxConcurrentMessages: 4,
			ToolErrorBackoff:      3,
			MemoryScope:           "session",
			BootstrapMaxChars:     4000,
			MemoryMaxChars:        6000,
			SkillsMaxChars:        12000,
			HistoryMaxChars:       80000,
			MediaMaxBytes:         8 << 20,
		},
		Subagents: SubagentsConfig{
			Max:            8,
			MaxIterations:  15,
			TimeoutSeconds: 900,
			ResultMaxChars: 32 << 10,
		},
		Bus: BusConfig{InboundSize: 256, OutboundSize: 256},
		Tools: ToolsConfig{
			Parallelism:           8,
			CacheSize:             256,
			CacheTTLSeconds:       300,
			DefaultTimeoutSeconds: 60,
			RestrictToWorkspace:   true,
			Exec:                  ExecConfig{Timeout: 60},
		},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 1800},
		Shutdown:  ShutdownConfig{GraceSeconds: 10},
	}
}

// DataPath returns the nanobot data directory (~/.nanobot or
// ~/.nanobot_<profile>).
func DataPath(profile string) string {
	home, _ := os.UserHomeDir()
	name := ".nanobot"
	if profile != "" {
		name += "_" + profile
	}
	return filepath.Join(home, name)
}

// WorkspacePath resolves the workspace directory, expanding a leading "~".
func (c *Config) WorkspacePath(dataDir string) string {
	ws := c.Agent.Workspace
	if ws == "" {
		return filepath.Join(dataDir, "workspace")
	}
	if strings.HasPrefix(ws, "~") {
		home, _ := os.UserHomeDir()
		ws = filepath.Join(home, strings.TrimPrefix(ws, "~"))
	}
	return ws
}
