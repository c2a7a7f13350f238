package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fleetr/internal/agentapi"
	"github.com/loykin/fleetr/internal/auth"
	"github.com/loykin/fleetr/internal/config"
	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/discovery"
	"github.com/loykin/fleetr/internal/history"
	"github.com/loykin/fleetr/internal/history/factory"
	"github.com/loykin/fleetr/internal/installer"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/registry"
	"github.com/loykin/fleetr/internal/server"
	tlsutil "github.com/loykin/fleetr/internal/tls"
)

const shutdownTimeout = 15 * time.Second

// orchestrator is the assembled server process: directory, registry, HTTP
// API and the background sweeps.
type orchestrator struct {
	cfg     *config.ServerConfig
	logger  *slog.Logger
	dir     *directory.Directory
	reg     *registry.Registry
	history *history.Publisher
	handler http.Handler
	tls     *tls.Config
	closers []io.Closer
}

func buildOrchestrator(cfg *config.ServerConfig, log *slog.Logger) (*orchestrator, error) {
	o := &orchestrator{cfg: cfg, logger: log}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, err
	}
	o.history = history.NewPublisher(log.With("component", "history"), sinks...)

	agentTLS, err := tlsutil.ClientConfig(cfg.Agents.CAFile, false)
	if err != nil {
		o.close()
		return nil, fmt.Errorf("agent api tls: %w", err)
	}
	side := directory.NewSideChannel(agentapi.NewClient(cfg.Agents.APITimeout, agentTLS), cfg.Agents.APIToken)

	var scanners []discovery.Scanner
	if cfg.Discovery.Tailscale {
		scanners = append(scanners, discovery.NewTailscaleScanner(cfg.Discovery.AgentPort, cfg.Discovery.HostPrefix))
	}
	if cfg.Discovery.LAN {
		b := discovery.NewBeaconScanner(cfg.Discovery.LANListen, cfg.Discovery.LANTTL)
		b.Logger = log.With("component", "beacon")
		scanners = append(scanners, b)
		o.closers = append(o.closers, b)
	}

	o.dir = directory.New(directory.Options{
		Logger:        log.With("component", "directory"),
		History:       o.history,
		Fallback:      side,
		Connector:     side,
		Timeout:       cfg.Directory.Timeout,
		SweepInterval: cfg.Directory.SweepInterval,
		Scanners:      scanners,
		AutoConnect:   cfg.Discovery.AutoConnect,
	})
	o.reg = registry.New(o.dir, registry.Config{
		Tokens:        cfg.Agents.Tokens,
		Timeout:       cfg.Agents.HeartbeatTimeout,
		SweepInterval: cfg.Agents.SweepInterval,
		AuthTimeout:   cfg.Agents.AuthTimeout,
		Logger:        log.With("component", "registry"),
	})
	o.dir.SetTransport(o.reg)

	var authSvc *auth.AuthService
	if cfg.Auth.Enabled {
		clients := make([]auth.Client, 0, len(cfg.Auth.Clients))
		for _, c := range cfg.Auth.Clients {
			clients = append(clients, auth.Client{ID: c.ID, SecretHash: c.SecretHash, Scopes: c.Scopes})
		}
		authSvc, err = auth.NewAuthService(auth.Config{
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  cfg.Auth.TokenTTL,
			Clients:   clients,
		})
		if err != nil {
			o.close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	o.tls, err = tlsutil.ServerConfig(cfg.Server.TLS)
	if err != nil {
		o.close()
		return nil, err
	}

	wsURL, err := installer.WebSocketURL(publicURL(cfg.Server, o.tls != nil))
	if err != nil {
		o.close()
		return nil, fmt.Errorf("server.public_url: %w", err)
	}
	var token string
	if len(cfg.Agents.Tokens) > 0 {
		token = cfg.Agents.Tokens[0]
	}
	o.handler = server.New(server.Options{
		Directory: o.dir,
		Agents:    o.reg,
		Auth:      authSvc,
		AuthOn:    cfg.Auth.Enabled,
		Install: server.InstallOptions{
			OrchestratorURL: wsURL,
			Token:           token,
		},
		Metrics:  cfg.Metrics.Enabled,
		BasePath: cfg.Server.BasePath,
		Logger:   log.With("component", "api"),
	}).Handler()
	return o, nil
}

// Run serves until ctx is done, then closes agent connections and drains
// the history queue.
func (o *orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.close()

	if o.cfg.UsesDevToken() {
		o.logger.Warn("accepting the development agent token; set agents.tokens for production")
	}
	go o.dir.Start(ctx)
	go o.reg.Start(ctx)
	if o.cfg.Discovery.Enabled {
		if err := o.dir.StartDiscovery(o.cfg.Discovery.Interval); err != nil {
			o.logger.Warn("discovery not started", "error", err)
		}
	}

	srv := server.NewHTTPServer(o.cfg.Server.Listen, o.handler, o.tls)
	serveErr := make(chan error, 1)
	go func() {
		o.logger.Info("orchestrator listening", "addr", o.cfg.Server.Listen, "tls", o.tls != nil)
		var err error
		if o.tls != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	o.dir.StopDiscovery()
	o.reg.CloseAll()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		o.logger.Warn("http shutdown", "error", err)
	}
	o.logger.Info("orchestrator stopped")
	return runErr
}

func (o *orchestrator) close() {
	for _, c := range o.closers {
		_ = c.Close()
	}
	o.closers = nil
	if o.history != nil {
		if err := o.history.Close(); err != nil {
			o.logger.Warn("history close", "error", err)
		}
		o.history = nil
	}
}

// publicURL is the base URL embedded in install scripts. Without an
// explicit public_url it is derived from the listen address, with
// localhost standing in for a wildcard host.
func publicURL(c config.HTTPConfig, tlsOn bool) string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	scheme := "http"
	if tlsOn {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return scheme + "://" + c.Listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
