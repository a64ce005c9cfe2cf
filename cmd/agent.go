package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	agentMessage string
	agentSession string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Talk to the agent from the terminal",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "send one message and print the reply")
	agentCmd.Flags().StringVarP(&agentSession, "session", "s", "cli:direct", "session key to use")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	log := buildLogger()
	defer log.Sync()

	rt, err := buildRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if agentMessage != "" {
		reply, err := rt.loop.ProcessDirect(ctx, agentMessage, agentSession, nil)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		rt.subagents.Wait()
		return nil
	}

	fmt.Println("nanobot interactive mode (type 'exit' or Ctrl+C to quit)")
	fmt.Println()

	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, ":q": true,
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			break
		}

		reply, err := rt.loop.ProcessDirect(ctx, input, agentSession, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Println()
		fmt.Println("nanobot:", reply)
		fmt.Println()
	}

	fmt.Println("Goodbye!")
	rt.subagents.Wait()
	return nil
}
