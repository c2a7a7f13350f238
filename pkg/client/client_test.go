package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/server"
)

// liveTransport accepts every command for hosts in online and answers it.
type liveTransport struct {
	dir    *directory.Directory
	mu     sync.Mutex
	online map[string]bool
}

func (l *liveTransport) set(id string, on bool) {
	l.mu.Lock()
	l.online[id] = on
	l.mu.Unlock()
}

func (l *liveTransport) IsOnline(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online[id]
}

func (l *liveTransport) Dispatch(hostID, commandID, _ string, _ json.RawMessage) (bool, error) {
	if !l.IsOnline(hostID) {
		return false, nil
	}
	go func() {
		_ = l.dir.CompleteCommand(hostID, protocol.CommandResponse{CommandID: commandID, Success: true})
	}()
	return true, nil
}

func (l *liveTransport) Close(string, string) bool { return false }

func newTestClient(t *testing.T) (*Client, *directory.Directory, *liveTransport) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := directory.New(directory.Options{})
	lt := &liveTransport{dir: dir, online: map[string]bool{}}
	dir.SetTransport(lt)
	srv := server.New(server.Options{
		Directory: dir,
		BasePath:  "/api",
		Install:   server.InstallOptions{OrchestratorURL: "ws://orch:8080/ws", Token: "t"},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL + "/api/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, dir, lt
}

func TestClientHosts(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	h, err := c.RegisterHost(ctx, RegisterRequest{Name: "laptop-1", Platform: "darwin"})
	require.NoError(t, err)
	assert.Equal(t, "connecting", h.Status)

	hosts, err := c.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, h.ID, hosts[0].ID)

	online, err := c.OnlineHosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)

	got, err := c.Host(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "laptop-1", got.Name)

	require.NoError(t, c.RemoveHost(ctx, h.ID))
	_, err = c.Host(ctx, h.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClientCommands(t *testing.T) {
	c, dir, lt := newTestClient(t)
	ctx := context.Background()

	rec, err := dir.RegisterHost(directory.Descriptor{Name: "laptop-1", Platform: "linux"})
	require.NoError(t, err)
	require.NoError(t, dir.UpdateHeartbeat(rec.ID, protocol.Resources{}))
	lt.set(rec.ID, true)

	cmd, err := c.WorkerAction(ctx, rec.ID, "echo-server", "restart", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "restart_mcp", cmd.Type)
	assert.Equal(t, "completed", cmd.Status)

	again, err := c.Command(ctx, cmd.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, again.ID)

	lt.set(rec.ID, false)
	failed, err := c.IssueCommand(ctx, rec.ID, "trigger_update", nil, 0)
	require.Error(t, err)
	assert.Equal(t, "failed", failed.Status)

	cmds, err := c.Commands(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestClientDiscoveryAndInstall(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	err := c.StartDiscovery(ctx, time.Minute)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	require.NoError(t, c.StopDiscovery(ctx))
	found, err := c.Discovered(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)

	script, err := c.InstallScript(ctx, "sh", "lab-1")
	require.NoError(t, err)
	assert.Contains(t, string(script), `name = "lab-1"`)

	_, err = c.InstallScript(ctx, "bat", "")
	assert.Error(t, err)
}

func TestClientSendsBearer(t *testing.T) {
	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL, Token: "abc"})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", <-got)
}
