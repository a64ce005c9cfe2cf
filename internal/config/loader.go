package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// Load reads configuration from a JSON file. A missing file yields the
// defaults; a malformed file yields a Validation error and no config, so
// the caller keeps whatever config it already has.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, nberr.Wrap(nberr.Fatal, "read config", err)
	}

	cfg := DefaultConfig() // start with defaults so omitted fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, nberr.Wrap(nberr.Validation, "parse config", err)
	}
	return cfg, nil
}

// Save writes configuration atomically (temp file + rename).
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate coerces out-of-range values to safe ones, logging each fix.
// The agent loop relies on every bound here being >= 1 afterwards.
func (c *Config) Validate(log *zap.Logger) {
	if c.Agent.MaxToolIterations <= 0 {
		log.Warn("maxToolIterations must be >= 1, coercing",
			zap.Int("configured", c.Agent.MaxToolIterations))
		c.Agent.MaxToolIterations = 1
	}
	if c.Agent.MaxConcurrentMessages <= 0 {
		log.Warn("maxConcurrentMessages must be >= 1, coercing",
			zap.Int("configured", c.Agent.MaxConcurrentMessages))
		c.Agent.MaxConcurrentMessages = 1
	}
	if c.Subagents.Max <= 0 {
		c.Subagents.Max = 1
	}
	if c.Subagents.MaxIterations <= 0 {
		c.Subagents.MaxIterations = 1
	}
	if c.Tools.Parallelism <= 0 {
		c.Tools.Parallelism = 1
	}
	if c.Bus.InboundSize <= 0 {
		c.Bus.InboundSize = 256
	}
	if c.Bus.OutboundSize <= 0 {
		c.Bus.OutboundSize = 256
	}
	if c.Shutdown.GraceSeconds < 0 {
		c.Shutdown.GraceSeconds = 0
	}
}
