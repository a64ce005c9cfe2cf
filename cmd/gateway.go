package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/heartbeat"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the assistant: agent loop, channels, cron, and heartbeat",
	RunE:  runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	log := buildLogger()
	defer log.Sync()

	rt, err := buildRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()

	manager := channels.FromConfig(rt.cfg.Channels, rt.bus, rt.dataDir, log)
	if enabled := manager.EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("Channels enabled: %v\n", enabled)
	} else {
		fmt.Println("No channels enabled; the agent still serves cron and heartbeat work.")
	}

	hb := heartbeat.NewService(rt.workspace, rt.cfg.Heartbeat.IntervalSeconds,
		func(ctx context.Context, prompt string) (string, error) {
			return rt.loop.ProcessDirect(ctx, prompt, "heartbeat:main", nil)
		}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.cron.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hb.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return manager.StartAll(gctx)
	})

	<-gctx.Done()
	fmt.Println("\nShutting down...")
	manager.StopAll()
	err = g.Wait()
	rt.subagents.Wait()
	return err
}
