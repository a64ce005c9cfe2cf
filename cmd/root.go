// Package cmd holds the nanobot CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

var (
	flagVerbose bool
	flagProfile string
)

var rootCmd = &cobra.Command{
	Use:   "nanobot",
	Short: "nanobot — a lightweight personal AI assistant",
	Long: "nanobot runs a personal AI assistant: an agent loop with tools,\n" +
		"persistent sessions and memory, scheduled jobs, and chat channel\n" +
		"adapters (Telegram, WhatsApp, Slack, and a local web UI).",
	PersistentPreRun: func(*cobra.Command, []string) {
		// A .env next to the binary or in the working directory is a
		// convenient place for API keys during development.
		godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "use an alternate data directory (~/.nanobot_<profile>)")
}

// buildLogger creates the process logger honoring --verbose.
func buildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	if flagVerbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
