package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "fleetr-agent",
		Short: "Host agent for a fleetr orchestrator",
		Long: `fleetr-agent supervises local worker processes and keeps a persistent
connection to a fleetr orchestrator, reporting status and executing commands.

Examples:
  fleetr-agent init --config ~/.config/fleetr/agent.toml
  fleetr-agent start --config ~/.config/fleetr/agent.toml
  fleetr-agent status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", defaultConfigPath(), "path to agent TOML config")

	root.AddCommand(
		createStartCommand(flags),
		createInitCommand(flags),
		createStatusCommand(flags),
		createServiceCommand("install", "Register the agent as an OS service"),
		createServiceCommand("uninstall", "Remove the agent OS service"),
		createServiceCommand("service-status", "Show the agent OS service state"),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("FLEETR_AGENT_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agent.toml"
	}
	return dir + string(os.PathSeparator) + "fleetr" + string(os.PathSeparator) + "agent.toml"
}
