package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/config"
	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/registry"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitAndStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")

	out, err := run(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "init", "--config", path, "--force")
	require.NoError(t, err)

	out, err = run(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ws://localhost:8080/ws")
	assert.Contains(t, out, "token:         (set)")
	assert.Contains(t, out, "127.0.0.1:8090")
	assert.Contains(t, out, "workers:       0")
}

func TestStartRequiresOrchestratorURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api]\nenabled = false\n"), 0o600))

	_, err := run(t, "start", "--config", path)
	assert.ErrorIs(t, err, config.ErrMissingOrchestratorURL)
}

func TestServiceCommandsAreNoops(t *testing.T) {
	for _, name := range []string{"install", "uninstall", "service-status"} {
		out, err := run(t, name)
		require.NoError(t, err, name)
		assert.Contains(t, out, "not handled")
	}
}

func TestAdvertisedAPI(t *testing.T) {
	assert.Equal(t, "", advertisedAPI(config.AgentAPIConfig{Enabled: false, Listen: "127.0.0.1:8090"}))
	assert.Equal(t, "http://127.0.0.1:8090", advertisedAPI(config.AgentAPIConfig{Enabled: true, Listen: "127.0.0.1:8090"}))
	assert.Equal(t, "", advertisedAPI(config.AgentAPIConfig{Enabled: true, Listen: ":8090"}))
	assert.Equal(t, "", advertisedAPI(config.AgentAPIConfig{Enabled: true, Listen: "0.0.0.0:8090"}))
	assert.Equal(t, "http://10.0.0.5:8090",
		advertisedAPI(config.AgentAPIConfig{Enabled: true, Listen: ":8090", Advertise: "http://10.0.0.5:8090/"}))
	assert.Equal(t, 8090, listenPort("127.0.0.1:8090"))
	assert.Equal(t, 0, listenPort("bogus"))
}

func TestWorkerEnv(t *testing.T) {
	t.Setenv("FLEETR_TEST_OS", "os")
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("FROM_FILE=f\n"), 0o600))

	cfg := &config.AgentConfig{EnvConfig: config.EnvConfig{
		UseOSEnv: false,
		EnvFiles: []string{dotenv},
		Env:      []string{"INLINE=i"},
	}}
	e, err := workerEnv(cfg)
	require.NoError(t, err)
	merged := strings.Join(e.Merge([]string{"W=${INLINE}-w"}), "\n")
	assert.Contains(t, merged, "FROM_FILE=f")
	assert.Contains(t, merged, "W=i-w")
	assert.NotContains(t, merged, "FLEETR_TEST_OS")

	cfg.UseOSEnv = true
	e, err = workerEnv(cfg)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(e.Merge(nil), "\n"), "FLEETR_TEST_OS=os")

	cfg.EnvFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err = workerEnv(cfg)
	assert.Error(t, err)
}

func TestAgentRegistersWithOrchestrator(t *testing.T) {
	dir := directory.New(directory.Options{})
	reg := registry.New(dir, registry.Config{Tokens: []string{"tok"}})
	dir.SetTransport(reg)
	srv := httptest.NewServer(http.HandlerFunc(reg.ServeHTTP))
	t.Cleanup(srv.Close)

	cfg, err := config.LoadAgent("")
	require.NoError(t, err)
	cfg.Orchestrator.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Orchestrator.Token = "tok"
	cfg.Host.Name = "agent-under-test"
	cfg.API.Enabled = false
	cfg.Log.Level = "error"
	cfg.Workers = []config.WorkerConfig{{Name: "idle", Command: "sleep 30"}}

	a, err := newAgent(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		hosts := dir.OnlineHosts()
		return len(hosts) == 1 && hosts[0].Name == "agent-under-test"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}
