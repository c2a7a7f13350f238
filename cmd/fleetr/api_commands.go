package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetr/pkg/client"
)

func createHostsCommand(flags *GlobalFlags) *cobra.Command {
	var asJSON bool
	hosts := &cobra.Command{Use: "hosts", Short: "Inspect and manage hosts"}
	hosts.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	list := func(online bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			var hs []client.Host
			if online {
				hs, err = c.OnlineHosts(ctx)
			} else {
				hs, err = c.Hosts(ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), hs)
			}
			printHosts(cmd.OutOrStdout(), hs)
			return nil
		}
	}
	hosts.AddCommand(
		&cobra.Command{Use: "list", Short: "List every known host", Args: cobra.NoArgs, RunE: list(false)},
		&cobra.Command{Use: "online", Short: "List hosts with a live connection", Args: cobra.NoArgs, RunE: list(true)},
		&cobra.Command{
			Use:   "get <host-id>",
			Short: "Show one host",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(flags)
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd, flags, 0)
				defer cancel()
				h, err := c.Host(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			},
		},
		hostAction(flags, "remove", "Forget a host and close its connection", (*client.Client).RemoveHost),
		hostAction(flags, "connect", "Ask an agent to open its connection", (*client.Client).ConnectHost),
		hostAction(flags, "disconnect", "Ask an agent to drop its connection", (*client.Client).DisconnectHost),
	)
	return hosts
}

func hostAction(flags *GlobalFlags, use, short string, fn func(*client.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <host-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			if err := fn(c, ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, args[0])
			return nil
		},
	}
}

func createWorkerCommand(flags *GlobalFlags) *cobra.Command {
	var wait time.Duration
	worker := &cobra.Command{Use: "worker", Short: "Start, stop or restart a worker on a host"}
	worker.PersistentFlags().DurationVar(&wait, "wait", 0, "wait up to this long for the agent's answer")
	for _, action := range []string{"start", "stop", "restart"} {
		worker.AddCommand(&cobra.Command{
			Use:   action + " <host-id> <worker>",
			Short: action + " a worker",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(flags)
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd, flags, wait)
				defer cancel()
				res, err := c.WorkerAction(ctx, args[0], args[1], action, wait)
				return printCommandResult(cmd, res, err)
			},
		})
	}
	return worker
}

func createCommandsCommand(flags *GlobalFlags) *cobra.Command {
	var (
		asJSON bool
		host   string
		wait   time.Duration
		params string
	)
	commands := &cobra.Command{Use: "commands", Short: "Issue and inspect host commands"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			cmds, err := c.Commands(ctx, host)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), cmds)
			}
			printCommands(cmd.OutOrStdout(), cmds)
			return nil
		},
	}
	list.Flags().StringVar(&host, "host", "", "only commands for this host")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	get := &cobra.Command{
		Use:   "get <command-id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, wait)
			defer cancel()
			res, err := c.Command(ctx, args[0], wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	get.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the command to finish")

	issue := &cobra.Command{
		Use:   "issue <host-id> <type>",
		Short: "Send an arbitrary command to a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("--params must be valid JSON")
				}
				raw = json.RawMessage(params)
			}
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, wait)
			defer cancel()
			res, err := c.IssueCommand(ctx, args[0], args[1], raw, wait)
			return printCommandResult(cmd, res, err)
		},
	}
	issue.Flags().StringVar(&params, "params", "", "command parameters as a JSON object")
	issue.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the agent's answer")

	commands.AddCommand(list, get, issue)
	return commands
}

// printCommandResult prints the recorded command even when the request
// failed, since a failed delivery still leaves a command behind. A command
// the agent answered with a failure makes the CLI exit non-zero.
func printCommandResult(cmd *cobra.Command, res client.Command, err error) error {
	if res.ID != "" {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err == nil && res.Status == "failed" {
		return fmt.Errorf("command %s failed: %s", res.ID, res.Error)
	}
	return err
}

func createDiscoveryCommand(flags *GlobalFlags) *cobra.Command {
	var (
		interval time.Duration
		asJSON   bool
	)
	disc := &cobra.Command{Use: "discovery", Short: "Control network discovery of agents"}

	simple := func(use, short string, fn func(*client.Client, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := newAPIClient(flags)
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd, flags, 0)
				defer cancel()
				if err := fn(c, ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "discovery %s\n", use)
				return nil
			},
		}
	}
	start := simple("start", "Start periodic scanning", func(c *client.Client, ctx context.Context) error {
		return c.StartDiscovery(ctx, interval)
	})
	start.Flags().DurationVar(&interval, "interval", 0, "scan interval (server default when unset)")
	stop := simple("stop", "Stop periodic scanning", (*client.Client).StopDiscovery)

	listing := func(use, short string, scan bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := newAPIClient(flags)
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd, flags, 0)
				defer cancel()
				var ds []client.DiscoveredHost
				if scan {
					ds, err = c.ScanDiscovery(ctx)
				} else {
					ds, err = c.Discovered(ctx)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), ds)
				}
				printDiscovered(cmd.OutOrStdout(), ds)
				return nil
			},
		}
	}
	promote := &cobra.Command{
		Use:   "promote <address>",
		Short: "Register a discovered host and ask it to connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			h, err := c.PromoteDiscovered(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	disc.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	disc.AddCommand(start, stop,
		listing("list", "List discovered hosts", false),
		listing("scan", "Scan once now and list the results", true),
		promote)
	return disc
}

func createInstallScriptCommand(flags *GlobalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:       "install-script <sh|ps1>",
		Short:     "Print an agent bootstrap script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"sh", "ps1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			script, err := c.InstallScript(ctx, args[0], name)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(script)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "host name to bake into the agent config")
	return cmd
}
