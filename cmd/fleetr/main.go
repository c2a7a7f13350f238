package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetr/internal/config"
	"github.com/loykin/fleetr/internal/logger"
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
	// API connection for client commands
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CAFile     string
	Insecure   bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "fleetr",
		Short: "Fleet orchestrator for host agents and their workers",
		Long: `fleetr runs the orchestrator that host agents connect to, and talks to a
running orchestrator through its HTTP API.

Examples:
  fleetr serve --config fleetr.toml
  fleetr hosts list
  fleetr worker restart <host-id> echo-server --wait 10s
  fleetr install-script sh --name laptop-1 > install.sh`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to orchestrator TOML config")
	pf.StringVar(&flags.APIUrl, "api-url", envOr("FLEETR_API_URL", "http://127.0.0.1:8080/api"), "orchestrator API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	pf.StringVar(&flags.Token, "token", os.Getenv("FLEETR_TOKEN"), "bearer token; defaults to the saved login session")
	pf.StringVar(&flags.CAFile, "ca-file", "", "CA certificate for an HTTPS API")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")

	root.AddCommand(
		createServeCommand(flags),
		createHostsCommand(flags),
		createWorkerCommand(flags),
		createCommandsCommand(flags),
		createDiscoveryCommand(flags),
		createInstallScriptCommand(flags),
		createLoginCommand(flags),
		createLogoutCommand(),
		createHashSecretCommand(),
	)
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(flags.ConfigPath)
			if err != nil {
				return err
			}
			log, closer := logger.New(cfg.Log, "fleetr")
			defer func() { _ = closer.Close() }()

			o, err := buildOrchestrator(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.Run(ctx)
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
