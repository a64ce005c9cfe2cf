package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect and manage scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openCronStore()
		if err != nil {
			return err
		}
		out, err := svc.ListJobs()
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openCronStore()
		if err != nil {
			return err
		}
		out, err := svc.RemoveJob(args[0])
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a disabled job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], true) },
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], false) },
}

func init() {
	cronCmd.AddCommand(cronListCmd, cronRemoveCmd, cronEnableCmd, cronDisableCmd)
	rootCmd.AddCommand(cronCmd)
}

// openCronStore loads the job store without the agent loop; jobs are only
// listed or edited here, never executed.
func openCronStore() (*cron.Service, error) {
	dataDir := config.DataPath(flagProfile)
	svc := cron.NewService(filepath.Join(dataDir, "cron", "jobs.json"), nil, nil, zap.NewNop())
	if err := svc.Load(); err != nil {
		return nil, err
	}
	return svc, nil
}

func toggleJob(id string, enable bool) error {
	svc, err := openCronStore()
	if err != nil {
		return err
	}
	ok, err := svc.Enable(id, enable)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("No job with id %s\n", id)
		return nil
	}
	fmt.Printf("Job %s %s\n", id, map[bool]string{true: "enabled", false: "disabled"}[enable])
	return nil
}
