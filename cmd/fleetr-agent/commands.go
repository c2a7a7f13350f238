package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetr/internal/config"
)

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the agent in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent(flags.ConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", flags.ConfigPath, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newAgent(cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func createInitCommand(flags *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agent config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefaultAgent(flags.ConfigPath, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flags.ConfigPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a summary of the agent config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent(flags.ConfigPath)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), flags.ConfigPath, cfg)
			return nil
		},
	}
}

func printStatus(w io.Writer, path string, cfg *config.AgentConfig) {
	token := "(not set)"
	if cfg.Orchestrator.Token != "" {
		token = "(set)"
	}
	name := cfg.Host.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	_, _ = fmt.Fprintf(w, "config:        %s\n", path)
	_, _ = fmt.Fprintf(w, "orchestrator:  %s\n", orNone(cfg.Orchestrator.URL))
	_, _ = fmt.Fprintf(w, "token:         %s\n", token)
	_, _ = fmt.Fprintf(w, "host:          %s\n", name)
	_, _ = fmt.Fprintf(w, "capabilities:  %s\n", strings.Join(cfg.Host.Capabilities, ", "))
	_, _ = fmt.Fprintf(w, "heartbeat:     %s\n", cfg.Orchestrator.HeartbeatInterval)
	if cfg.API.Enabled {
		_, _ = fmt.Fprintf(w, "local api:     %s\n", cfg.API.Listen)
	} else {
		_, _ = fmt.Fprintln(w, "local api:     disabled")
	}
	_, _ = fmt.Fprintf(w, "workers:       %d\n", len(cfg.Workers))
	for _, wk := range cfg.Workers {
		auto := ""
		if wk.AutoStart {
			auto = " (autostart)"
		}
		_, _ = fmt.Fprintf(w, "  - %s: %s%s\n", wk.Name, wk.Command, auto)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// createServiceCommand covers OS service management, which this binary
// leaves to the platform's own tooling.
func createServiceCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"%s: OS service registration is not handled by fleetr-agent; "+
					"run 'fleetr-agent start' under systemd, launchd or a Windows service wrapper\n", use)
			return nil
		},
	}
}
