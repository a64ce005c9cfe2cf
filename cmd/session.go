package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		infos := store.List()
		if len(infos) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s (updated %s)\n", info.Key, info.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <session-key>",
	Short: "Delete a session's history and settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
	rootCmd.AddCommand(sessionCmd)
}

func openSessionStore() (*session.Store, error) {
	return session.NewStore(config.DataPath(flagProfile), zap.NewNop())
}
