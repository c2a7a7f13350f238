package agentapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/agent"
	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/process"
	"github.com/loykin/fleetr/internal/supervisor"
)

type nopHandle struct{ done chan struct{} }

func (h *nopHandle) PID() int                 { return 4242 }
func (h *nopHandle) StartedAt() time.Time     { return time.Unix(1, 0) }
func (h *nopHandle) Done() <-chan struct{}    { return h.done }
func (h *nopHandle) ExitErr() error           { return nil }
func (h *nopHandle) Stop(time.Duration) error { close(h.done); return nil }

func newTestServer(t *testing.T, token string) (*httptest.Server, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(supervisor.Options{
		Clock:  clock.Fake(time.Unix(0, 0)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Launcher: func(process.Spec, []string) (supervisor.Handle, error) {
			return &nopHandle{done: make(chan struct{})}, nil
		},
	})
	require.NoError(t, sup.Add(process.Spec{Name: "echo-server", Command: "echo"}))
	srv := httptest.NewServer(New(Options{Workers: sup, Token: token, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Handler())
	t.Cleanup(srv.Close)
	return srv, sup
}

func TestClientWorkerActions(t *testing.T) {
	srv, sup := newTestServer(t, "secret")
	c := NewClient(time.Second, nil)
	ctx := context.Background()

	body, err := c.WorkerAction(ctx, srv.URL, "secret", "echo-server", "start")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"running"`)

	snap, _ := sup.Status("echo-server")
	assert.Equal(t, supervisor.StatusRunning, snap.Status)

	_, err = c.WorkerAction(ctx, srv.URL, "secret", "echo-server", "restart")
	require.NoError(t, err)

	body, err = c.WorkerAction(ctx, srv.URL, "secret", "echo-server", "stop")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"stopped"`)
}

func TestClientErrors(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	c := NewClient(time.Second, nil)
	ctx := context.Background()

	_, err := c.WorkerAction(ctx, srv.URL, "secret", "ghost", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "worker not found")

	_, err = c.WorkerAction(ctx, srv.URL, "wrong", "echo-server", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListWorkersRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/workers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "echo-server")

	resp, err = http.Get(srv.URL + "/workers")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

type stubSession struct {
	mu      sync.Mutex
	state   agent.State
	connErr error
}

func (s *stubSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connErr != nil {
		return s.connErr
	}
	s.state = agent.StateAuthenticated
	return nil
}

func (s *stubSession) Disconnect() {
	s.mu.Lock()
	s.state = agent.StateDisconnected
	s.mu.Unlock()
}

func (s *stubSession) State() agent.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) HostID() string { return "h-1" }

func TestClientConnectDisconnect(t *testing.T) {
	sess := &stubSession{state: agent.StateDisconnected}
	srv := httptest.NewServer(New(Options{Session: sess, Token: "secret", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Handler())
	defer srv.Close()

	c := NewClient(time.Second, nil)
	ctx := context.Background()
	require.NoError(t, c.Health(ctx, srv.URL))

	require.NoError(t, c.Connect(ctx, srv.URL, "secret"))
	assert.Equal(t, agent.StateAuthenticated, sess.State())

	require.NoError(t, c.Disconnect(ctx, srv.URL, "secret"))
	assert.Equal(t, agent.StateDisconnected, sess.State())

	sess.mu.Lock()
	sess.connErr = agent.ErrAuthRejected
	sess.mu.Unlock()
	err := c.Connect(ctx, srv.URL, "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	withMetrics := httptest.NewServer(New(Options{Metrics: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Handler())
	t.Cleanup(withMetrics.Close)
	resp, err = http.Get(withMetrics.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	guarded := httptest.NewServer(New(Options{Metrics: true, Token: "secret", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Handler())
	t.Cleanup(guarded.Close)
	resp, err = http.Get(guarded.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for token, want := range map[string]int{"wrong": http.StatusUnauthorized, "secret": http.StatusOK} {
		req, _ := http.NewRequest(http.MethodGet, guarded.URL+"/metrics", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, token)
	}
}
