package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/fleetr/internal/logger"
	"github.com/loykin/fleetr/internal/process"
)

type AgentConfig struct {
	Orchestrator OrchestratorConn `mapstructure:"orchestrator"`
	Host         HostConfig       `mapstructure:"host"`
	API          AgentAPIConfig   `mapstructure:"api"`
	Beacon       BeaconConfig     `mapstructure:"beacon"`
	Log          logger.Config    `mapstructure:"log"`
	// WorkerLog is the default log destination for every worker.
	WorkerLog logger.FileConfig `mapstructure:"worker_log"`
	EnvConfig `mapstructure:",squash"`
	Workers   []WorkerConfig `mapstructure:"workers"`
}

type OrchestratorConn struct {
	URL                string        `mapstructure:"url"`
	Token              string        `mapstructure:"token"`
	CAFile             string        `mapstructure:"ca_file"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInterval  time.Duration `mapstructure:"reconnect_interval"`
	// AutoConnect dials on start; otherwise the session waits for /connect.
	AutoConnect bool `mapstructure:"auto_connect"`
}

type HostConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Capabilities []string `mapstructure:"capabilities"`
}

type AgentAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Token   string `mapstructure:"token"`
	// Advertise is the URL the orchestrator should use to reach this API.
	Advertise string `mapstructure:"advertise"`
}

// BeaconConfig controls LAN discovery announcements.
type BeaconConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Target   string        `mapstructure:"target"`
	Interval time.Duration `mapstructure:"interval"`
}

type WorkerConfig struct {
	Name      string             `mapstructure:"name"`
	Command   string             `mapstructure:"command"`
	Args      []string           `mapstructure:"args"`
	Env       []string           `mapstructure:"env"`
	WorkDir   string             `mapstructure:"workdir"`
	AutoStart bool               `mapstructure:"autostart"`
	Log       *logger.FileConfig `mapstructure:"log"`
}

var ErrMissingOrchestratorURL = errors.New("orchestrator.url is required")

func agentDefaults() map[string]any {
	return map[string]any{
		"orchestrator.url":                  "",
		"orchestrator.token":                "",
		"orchestrator.ca_file":              "",
		"orchestrator.insecure_skip_verify": false,
		"orchestrator.heartbeat_interval":   "10s",
		"orchestrator.reconnect_interval":   "5s",
		"orchestrator.auto_connect":         true,
		"host.id":                           "",
		"host.name":                         "",
		"host.capabilities":                 []string{"mcp"},
		"api.enabled":                       true,
		"api.listen":                        "127.0.0.1:8090",
		"api.token":                         "",
		"api.advertise":                     "",
		"beacon.enabled":                    false,
		"beacon.target":                     "255.255.255.255:47800",
		"beacon.interval":                   "15s",
		"log.level":                         "info",
		"log.format":                        "text",
		"use_os_env":                        true,
	}
}

// LoadAgent reads an agent config. An empty path yields defaults plus
// environment overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	v, err := newViper(path, agentDefaults())
	if err != nil {
		return nil, err
	}
	var c AgentConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	c.Host.Capabilities = normalizeList(c.Host.Capabilities)
	return &c, nil
}

// Validate checks what the agent needs before it can start.
func (c *AgentConfig) Validate() error {
	if c.Orchestrator.URL == "" {
		return ErrMissingOrchestratorURL
	}
	_, err := c.Specs()
	return err
}

// Specs converts worker entries into validated launch specs. Per-worker log
// settings override the worker_log defaults field by field.
func (c *AgentConfig) Specs() ([]process.Spec, error) {
	seen := make(map[string]bool, len(c.Workers))
	out := make([]process.Spec, 0, len(c.Workers))
	for _, w := range c.Workers {
		if seen[w.Name] {
			return nil, fmt.Errorf("duplicate worker %q", w.Name)
		}
		seen[w.Name] = true
		fc := c.WorkerLog
		if w.Log != nil {
			mergeFileConfig(&fc, *w.Log)
		}
		s := process.Spec{
			Name:      w.Name,
			Command:   w.Command,
			Args:      w.Args,
			Env:       w.Env,
			WorkDir:   w.WorkDir,
			AutoStart: w.AutoStart,
			Log:       logger.Config{File: fc},
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("worker %q: %w", w.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func mergeFileConfig(dst *logger.FileConfig, src logger.FileConfig) {
	if src.Dir != "" {
		dst.Dir = src.Dir
	}
	if src.StdoutPath != "" {
		dst.StdoutPath = src.StdoutPath
	}
	if src.StderrPath != "" {
		dst.StderrPath = src.StderrPath
	}
	if src.MaxSizeMB != 0 {
		dst.MaxSizeMB = src.MaxSizeMB
	}
	if src.MaxBackups != 0 {
		dst.MaxBackups = src.MaxBackups
	}
	if src.MaxAgeDays != 0 {
		dst.MaxAgeDays = src.MaxAgeDays
	}
	if src.Compress {
		dst.Compress = true
	}
}

// DefaultAgentTOML is written by `fleetr-agent init`.
const DefaultAgentTOML = `# fleetr agent configuration
[orchestrator]
url = "ws://localhost:8080/ws"
token = "fleetr-dev-token"
heartbeat_interval = "10s"
reconnect_interval = "5s"
auto_connect = true
# ca_file = "/etc/fleetr/ca.crt"

[host]
# id is filled in after the first successful registration if you want a pinned id
name = ""
capabilities = ["mcp"]

[api]
enabled = true
listen = "127.0.0.1:8090"
token = ""

[beacon]
enabled = false
target = "255.255.255.255:47800"
interval = "15s"

[log]
level = "info"
format = "text"

[worker_log]
dir = ""

# [[workers]]
# name = "echo-server"
# command = "python3 -m http.server 9000"
# autostart = true
`

// WriteDefaultAgent writes DefaultAgentTOML to path, refusing to overwrite
// unless force is set.
func WriteDefaultAgent(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(DefaultAgentTOML), 0o600)
}
