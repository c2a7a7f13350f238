package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fleetr/internal/agent"
	"github.com/loykin/fleetr/internal/agentapi"
	"github.com/loykin/fleetr/internal/config"
	"github.com/loykin/fleetr/internal/discovery"
	"github.com/loykin/fleetr/internal/env"
	"github.com/loykin/fleetr/internal/logger"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
	tlsutil "github.com/loykin/fleetr/internal/tls"
)

const shutdownTimeout = 15 * time.Second

// hostAgent is one running agent: supervisor, transport session and the
// optional local API and LAN beacon.
type hostAgent struct {
	cfg     *config.AgentConfig
	logger  *slog.Logger
	closer  io.Closer
	sup     *supervisor.Supervisor
	session *agent.Session
	api     *agentapi.Server
}

func newAgent(cfg *config.AgentConfig) (*hostAgent, error) {
	log, closer := logger.New(cfg.Log, "fleetr-agent")

	e, err := workerEnv(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	specs, err := cfg.Specs()
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	tlsCfg, err := tlsutil.ClientConfig(cfg.Orchestrator.CAFile, cfg.Orchestrator.InsecureSkipVerify)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("orchestrator tls: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	sup := supervisor.New(supervisor.Options{Env: e, Logger: log.With("component", "supervisor")})
	if err := sup.Configure(specs); err != nil {
		log.Error("some workers failed to configure", "error", err)
	}

	session := agent.NewSession(agent.Config{
		URL:               cfg.Orchestrator.URL,
		Token:             cfg.Orchestrator.Token,
		HostID:            cfg.Host.ID,
		HostName:          cfg.Host.Name,
		Platform:          runtime.GOOS,
		Version:           protocol.Version,
		Capabilities:      cfg.Host.Capabilities,
		APIURL:            advertisedAPI(cfg.API),
		HeartbeatInterval: cfg.Orchestrator.HeartbeatInterval,
		ReconnectInterval: cfg.Orchestrator.ReconnectInterval,
		TLS:               tlsCfg,
		Manual:            !cfg.Orchestrator.AutoConnect,
	}, agent.Options{Workers: sup, Logger: log.With("component", "session")})

	a := &hostAgent{cfg: cfg, logger: log, closer: closer, sup: sup, session: session}
	if cfg.API.Enabled {
		a.api = agentapi.New(agentapi.Options{
			Workers: sup,
			Session: session,
			Token:   cfg.API.Token,
			Metrics: true,
			Logger:  log.With("component", "api"),
		})
	}
	return a, nil
}

// workerEnv builds the base environment for every worker: the agent's own
// environment when use_os_env is set, then env files and inline entries.
func workerEnv(cfg *config.AgentConfig) (*env.Env, error) {
	e := env.New()
	if cfg.UseOSEnv {
		e.FromOS()
	} else {
		e.FromList(nil)
	}
	overrides, err := config.EnvConfig{Env: cfg.Env, EnvFiles: cfg.EnvFiles}.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	for k, v := range env.Parse(overrides) {
		e.Set(k, v)
	}
	return e, nil
}

// Run blocks until ctx is done, then stops the session, the API and every
// worker.
func (a *hostAgent) Run(ctx context.Context) error {
	defer func() { _ = a.closer.Close() }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErr := make(chan error, 1)
	if a.api != nil {
		go func() { apiErr <- a.api.Start(a.cfg.API.Listen) }()
	}
	if a.cfg.Beacon.Enabled {
		go a.announce(ctx)
	}
	go a.watchSession(ctx)

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- a.session.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("agent api: %w", err)
		}
		cancel()
	}
	<-sessionDone

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if a.api != nil {
		if err := a.api.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("agent api shutdown", "error", err)
		}
	}
	if err := a.sup.Shutdown(sctx); err != nil {
		a.logger.Warn("supervisor shutdown", "error", err)
	}
	a.logger.Info("agent stopped")
	return runErr
}

func (a *hostAgent) watchSession(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.session.Events():
			switch ev.Type {
			case agent.EventAuthenticated:
				a.logger.Info("registered with orchestrator", "host_id", ev.HostID)
			case agent.EventAuthFailed:
				a.logger.Error("orchestrator rejected the agent token; not reconnecting", "error", ev.Err)
			case agent.EventDisconnected:
				a.logger.Warn("orchestrator connection lost", "error", ev.Err)
			}
		}
	}
}

func (a *hostAgent) announce(ctx context.Context) {
	b := discovery.Beacon{
		Name:     a.cfg.Host.Name,
		Platform: runtime.GOOS,
		Version:  protocol.Version,
	}
	if a.api != nil {
		b.APIPort = listenPort(a.cfg.API.Listen)
	}
	if b.Name == "" {
		b.Name, _ = os.Hostname()
	}
	if err := discovery.Announce(ctx, a.cfg.Beacon.Target, b, a.cfg.Beacon.Interval); err != nil &&
		!errors.Is(err, context.Canceled) {
		a.logger.Warn("beacon stopped", "target", a.cfg.Beacon.Target, "error", err)
	}
}

// advertisedAPI is the side-channel URL reported at registration. An
// explicit advertise address wins; a wildcard listen address is not
// reachable from elsewhere and is not reported.
func advertisedAPI(c config.AgentAPIConfig) string {
	if !c.Enabled {
		return ""
	}
	if c.Advertise != "" {
		return strings.TrimRight(c.Advertise, "/")
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil || port == "" {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return ""
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}
	return u.String()
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
