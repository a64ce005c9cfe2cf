package cmd

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/nberr"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/session"
)

// runtime bundles the wired core services shared by the agent and gateway
// commands.
type runtime struct {
	cfg       config.Config
	dataDir   string
	workspace string

	bus       *bus.MessageBus
	sessions  *session.Store
	index     *memory.Index
	provider  providers.LLMProvider
	builder   *agent.ContextBuilder
	subagents *agent.SubagentManager
	cron      *cron.Service
	loop      *agent.Loop

	log *zap.Logger
}

// loadConfig reads and validates the profile's config file.
func loadConfig(log *zap.Logger) (config.Config, string, error) {
	dataDir := config.DataPath(flagProfile)
	cfg, err := config.Load(config.ConfigPath(dataDir))
	if err != nil {
		return config.Config{}, "", err
	}
	cfg.Validate(log)
	return cfg, dataDir, nil
}

// buildProvider selects the configured LLM backend. API keys in the
// environment win over the config file so secrets can stay out of it.
func buildProvider(cfg config.Config, log *zap.Logger) (providers.LLMProvider, error) {
	pc := cfg.Providers
	for env, target := range map[string]*config.ProviderConfig{
		"OPENROUTER_API_KEY": &pc.OpenRouter,
		"ANTHROPIC_API_KEY":  &pc.Anthropic,
		"OPENAI_API_KEY":     &pc.OpenAI,
		"GROQ_API_KEY":       &pc.Groq,
	} {
		if v := os.Getenv(env); v != "" && target.APIKey == "" {
			target.APIKey = v
		}
	}

	name, sel := pc.Selected()
	if name == "" {
		return nil, nberr.New(nberr.Validation,
			"no LLM provider configured; set an API key in config.json or the environment")
	}
	apiBase := sel.APIBase
	if apiBase == "" {
		switch name {
		case "anthropic":
			apiBase = "https://api.anthropic.com/v1"
		case "groq":
			apiBase = "https://api.groq.com/openai/v1"
		}
	}
	log.Info("llm provider selected", zap.String("provider", name))
	return providers.NewOpenAICompatible(sel.APIKey, apiBase, cfg.Agent.Model, log), nil
}

// buildRuntime wires the core: bus, stores, context builder, provider,
// subagents, cron, and the agent loop. Channel adapters are layered on top
// by the gateway command.
func buildRuntime(log *zap.Logger) (*runtime, error) {
	cfg, dataDir, err := loadConfig(log)
	if err != nil {
		return nil, err
	}
	workspace := cfg.WorkspacePath(dataDir)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, nberr.Wrap(nberr.Fatal, "create workspace", err)
	}

	msgBus := bus.NewMessageBus(
		bus.WithInboundSize(cfg.Bus.InboundSize),
		bus.WithOutboundSize(cfg.Bus.OutboundSize),
	)
	sessions, err := session.NewStore(dataDir, log)
	if err != nil {
		return nil, err
	}
	index, err := memory.OpenIndex(filepath.Join(workspace, "memory", "memory.db"))
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	builder := agent.NewContextBuilder(workspace, index, cfg.Agent, log)
	subagents := agent.NewSubagentManager(provider, msgBus, builder, workspace, cfg, log)

	rt := &runtime{
		cfg:       cfg,
		dataDir:   dataDir,
		workspace: workspace,
		bus:       msgBus,
		sessions:  sessions,
		index:     index,
		provider:  provider,
		builder:   builder,
		subagents: subagents,
		log:       log,
	}

	// Cron and the loop reference each other: jobs run through the loop,
	// and the loop's cron tool manages jobs. Closures break the cycle.
	rt.cron = cron.NewService(filepath.Join(dataDir, "cron", "jobs.json"),
		func(ctx context.Context, job *cron.Job) (string, error) {
			return rt.loop.ProcessDirect(ctx, job.Message, "cron:"+job.ID, nil)
		},
		func(channel, chatID, content string) {
			rt.bus.PublishOutbound(context.Background(), bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: content,
			})
		},
		log)
	if err := rt.cron.Load(); err != nil {
		return nil, err
	}

	rt.loop = agent.NewLoop(agent.Deps{
		Bus:       msgBus,
		Sessions:  sessions,
		Provider:  provider,
		Builder:   builder,
		Subagents: subagents,
		Cron:      rt.cron,
		Config:    cfg,
		Workspace: workspace,
		Log:       log,
	})
	return rt, nil
}

// Close releases runtime resources.
func (rt *runtime) Close() {
	if rt.index != nil {
		rt.index.Close()
	}
	rt.bus.Close()
}
