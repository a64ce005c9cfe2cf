package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file and workspace",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

var bootstrapTemplates = map[string]string{
	"AGENTS.md": "# Agent Instructions\n\nYou are a helpful personal assistant. Be concise, accurate, and friendly.\n\n" +
		"## Guidelines\n\n- Use tools to get things done instead of describing what you would do\n" +
		"- Ask for clarification when the request is ambiguous\n" +
		"- Record important facts in memory/MEMORY.md\n",
	"SOUL.md": "# Soul\n\nI am nanobot, a lightweight personal assistant.\n\n" +
		"## Personality\n\n- Helpful and direct\n- Concise by default\n",
	"USER.md": "# User\n\nInformation about the user goes here.\n\n" +
		"## Preferences\n\n- Communication style: (casual/formal)\n- Timezone: (your timezone)\n- Language: (your preferred language)\n",
	"HEARTBEAT.md": "# Heartbeat Tasks\n\n",
}

func runOnboard(cmd *cobra.Command, args []string) error {
	dataDir := config.DataPath(flagProfile)
	configPath := config.ConfigPath(dataDir)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
	} else {
		if err := config.Save(config.DefaultConfig(), configPath); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("Created config at %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	workspace := cfg.WorkspacePath(dataDir)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}
	fmt.Printf("Workspace at %s\n", workspace)

	for name, content := range bootstrapTemplates {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("  Created %s\n", name)
		}
	}

	memDir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		return err
	}
	memFile := filepath.Join(memDir, "MEMORY.md")
	if _, err := os.Stat(memFile); os.IsNotExist(err) {
		os.WriteFile(memFile, []byte("# Long-term Memory\n\n"), 0o644)
		fmt.Println("  Created memory/MEMORY.md")
	}
	os.MkdirAll(filepath.Join(workspace, "skills"), 0o755)

	fmt.Println("\nnanobot is ready!")
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Add an API key to %s (or export OPENROUTER_API_KEY)\n", configPath)
	fmt.Println("  2. Chat: nanobot agent -m \"Hello!\"")
	fmt.Println("  3. Run everything: nanobot gateway")
	return nil
}
