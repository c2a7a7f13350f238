package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/process"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fleetr.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAgent(t *testing.T) {
	path := writeTOML(t, `
env = ["REGION=eu"]

[orchestrator]
url = "wss://orch.example:8443/ws"
token = "s3cret"
heartbeat_interval = "3s"

[host]
name = "laptop-1"
capabilities = ["mcp", "screenshot"]

[worker_log]
dir = "/var/log/fleetr"
max_size_mb = 20

[[workers]]
name = "echo-server"
command = "python3 -m http.server 9000"
autostart = true
env = ["PORT=9000"]

[[workers]]
name = "fs"
command = "/usr/local/bin/mcp-fs"
args = ["--root", "/srv"]
  [workers.log]
  dir = "/tmp/fs-logs"
`)
	c, err := LoadAgent(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "wss://orch.example:8443/ws", c.Orchestrator.URL)
	assert.Equal(t, 3*time.Second, c.Orchestrator.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, c.Orchestrator.ReconnectInterval)
	assert.True(t, c.Orchestrator.AutoConnect)
	assert.Equal(t, []string{"mcp", "screenshot"}, c.Host.Capabilities)
	assert.Equal(t, "127.0.0.1:8090", c.API.Listen)
	assert.Equal(t, []string{"REGION=eu"}, c.Env)

	specs, err := c.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, process.Spec{
		Name:      "echo-server",
		Command:   "python3 -m http.server 9000",
		Env:       []string{"PORT=9000"},
		AutoStart: true,
		Log:       specs[0].Log,
	}, specs[0])
	assert.Equal(t, "/var/log/fleetr", specs[0].Log.File.Dir)
	assert.Equal(t, "/tmp/fs-logs", specs[1].Log.File.Dir)
	assert.Equal(t, 20, specs[1].Log.File.MaxSizeMB)
	assert.Equal(t, []string{"--root", "/srv"}, specs[1].Args)
}

func TestLoadAgentEnvOverride(t *testing.T) {
	t.Setenv("FLEETR_ORCHESTRATOR_URL", "ws://override:9000/ws")
	t.Setenv("FLEETR_ORCHESTRATOR_TOKEN", "env-token")
	t.Setenv("FLEETR_HOST_CAPABILITIES", "mcp,update")

	c, err := LoadAgent("")
	require.NoError(t, err)
	assert.Equal(t, "ws://override:9000/ws", c.Orchestrator.URL)
	assert.Equal(t, "env-token", c.Orchestrator.Token)
	assert.Equal(t, []string{"mcp", "update"}, c.Host.Capabilities)
}

func TestAgentValidate(t *testing.T) {
	c, err := LoadAgent("")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Validate(), ErrMissingOrchestratorURL)

	c.Orchestrator.URL = "ws://x/ws"
	c.Workers = []WorkerConfig{{Name: "a", Command: "true"}, {Name: "a", Command: "true"}}
	assert.ErrorContains(t, c.Validate(), "duplicate worker")

	c.Workers = []WorkerConfig{{Name: "bad name", Command: "true"}}
	assert.ErrorIs(t, c.Validate(), process.ErrInvalidName)

	c.Workers = []WorkerConfig{{Name: "ok"}}
	assert.ErrorIs(t, c.Validate(), process.ErrEmptyCommand)
}

func TestWriteDefaultAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "agent.toml")
	require.NoError(t, WriteDefaultAgent(path, false))
	assert.Error(t, WriteDefaultAgent(path, false))
	require.NoError(t, WriteDefaultAgent(path, true))

	c, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", c.Orchestrator.URL)
	assert.Equal(t, DevToken, c.Orchestrator.Token)
	assert.Empty(t, c.Workers)
}

func TestLoadServerDefaults(t *testing.T) {
	c, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, []string{DevToken}, c.Agents.Tokens)
	assert.True(t, c.UsesDevToken())
	assert.Equal(t, 30*time.Second, c.Agents.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, c.Agents.SweepInterval)
	assert.Equal(t, 10*time.Second, c.Directory.SweepInterval)
	assert.True(t, c.Metrics.Enabled)
	assert.False(t, c.Auth.Enabled)
}

func TestLoadServerFile(t *testing.T) {
	path := writeTOML(t, `
[server]
listen = "0.0.0.0:9443"
public_url = "https://orch.example:9443"
  [server.tls]
  enabled = true
  dir = "/etc/fleetr/tls"
  auto_generate = true

[agents]
tokens = "alpha, beta"
heartbeat_timeout = "40s"
sweep_interval = "20s"

[discovery]
enabled = true
auto_connect = true
lan = true

[history]
sinks = ["sqlite:///var/lib/fleetr/history.db"]

[auth]
enabled = true
jwt_secret = "k"
  [[auth.clients]]
  id = "ops"
  secret_hash = "$2a$10$abcdefghijklmnopqrstuu"
`)
	c, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, c.Agents.Tokens)
	assert.False(t, c.UsesDevToken())
	assert.Equal(t, 40*time.Second, c.Agents.HeartbeatTimeout)
	assert.True(t, c.Server.TLS.Enabled)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.True(t, c.Discovery.LAN)
	assert.True(t, c.Discovery.Tailscale)
	assert.Equal(t, 8090, c.Discovery.AgentPort)
	assert.Equal(t, []string{"sqlite:///var/lib/fleetr/history.db"}, c.History.Sinks)
	require.Len(t, c.Auth.Clients, 1)
	assert.Equal(t, "ops", c.Auth.Clients[0].ID)
}

func TestLoadServerEnvTokens(t *testing.T) {
	t.Setenv("FLEETR_AGENTS_TOKENS", "one,two")
	c, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, c.Agents.Tokens)
}

func TestLoadServerValidation(t *testing.T) {
	path := writeTOML(t, `
[auth]
enabled = true
`)
	_, err := LoadServer(path)
	assert.ErrorContains(t, err, "jwt_secret")

	path = writeTOML(t, `
[agents]
heartbeat_timeout = "10s"
sweep_interval = "20s"
`)
	_, err = LoadServer(path)
	assert.ErrorContains(t, err, "sweep_interval")

	_, err = LoadServer(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
