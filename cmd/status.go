package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir := config.DataPath(flagProfile)
	configPath := config.ConfigPath(dataDir)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("nanobot status")
	fmt.Println()
	fmt.Printf("Config:    %s\n", configPath)
	fmt.Printf("Workspace: %s\n", cfg.WorkspacePath(dataDir))
	fmt.Printf("Model:     %s\n", cfg.Agent.Model)

	if name, _ := cfg.Providers.Selected(); name != "" {
		fmt.Printf("Provider:  %s\n", name)
	} else {
		fmt.Println("Provider:  not configured")
	}

	fmt.Println("\nChannels:")
	printChannel := func(name string, enabled bool) {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("  %-9s %s\n", name, state)
	}
	ch := cfg.Channels
	printChannel("telegram", ch.Telegram != nil && ch.Telegram.Enabled)
	printChannel("whatsapp", ch.WhatsApp != nil && ch.WhatsApp.Enabled)
	printChannel("slack", ch.Slack != nil && ch.Slack.Enabled)
	printChannel("webui", ch.WebUI != nil && ch.WebUI.Enabled)

	if store, err := session.NewStore(dataDir, zap.NewNop()); err == nil {
		infos := store.List()
		fmt.Printf("\nSessions: %d\n", len(infos))
		for i, info := range infos {
			if i == 5 {
				fmt.Printf("  ... and %d more\n", len(infos)-5)
				break
			}
			fmt.Printf("  %s (updated %s)\n", info.Key, info.UpdatedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
