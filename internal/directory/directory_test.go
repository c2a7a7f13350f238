package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/agentapi"
	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/discovery"
	"github.com/loykin/fleetr/internal/history"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
)

type fakeTransport struct {
	mu         sync.Mutex
	online     map[string]bool
	dispatched []string
	closed     []string
	// onDispatch runs inside Dispatch, before it returns.
	onDispatch func(commandID string)
}

func newFakeTransport(online ...string) *fakeTransport {
	t := &fakeTransport{online: make(map[string]bool)}
	for _, id := range online {
		t.online[id] = true
	}
	return t
}

func (t *fakeTransport) IsOnline(hostID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[hostID]
}

func (t *fakeTransport) Dispatch(hostID, commandID, _ string, _ json.RawMessage) (bool, error) {
	t.mu.Lock()
	live := t.online[hostID]
	if live {
		t.dispatched = append(t.dispatched, commandID)
	}
	hook := t.onDispatch
	t.mu.Unlock()
	if live && hook != nil {
		hook(commandID)
	}
	return live, nil
}

func (t *fakeTransport) Close(hostID, _ string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, hostID)
	was := t.online[hostID]
	delete(t.online, hostID)
	return was
}

type stubFallback struct {
	result json.RawMessage
	err    error
	calls  int
}

func (f *stubFallback) Invoke(context.Context, HostRecord, string, json.RawMessage) (json.RawMessage, error) {
	f.calls++
	return f.result, f.err
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestDirectory(t *testing.T, opts Options) (*Directory, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clk
	opts.Logger = quietLogger()
	return New(opts), clk
}

func TestRegisterHostIdentity(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})

	first, err := d.RegisterHost(Descriptor{Name: "laptop-1", Platform: "darwin", Version: "1.0"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, StatusConnecting, first.Status)

	again, err := d.RegisterHost(Descriptor{Name: "Laptop-1", Platform: "Darwin", Version: "1.1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "1.1", again.Version)

	other, err := d.RegisterHost(Descriptor{Name: "laptop-1", Platform: "linux"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// explicit id wins even after a rename
	renamed, err := d.RegisterHost(Descriptor{ID: first.ID, Name: "laptop-renamed", Platform: "darwin"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, renamed.ID)
	assert.Equal(t, "laptop-renamed", renamed.Name)

	pinned, err := d.RegisterHost(Descriptor{ID: "edge-7", Name: "edge", Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "edge-7", pinned.ID)

	_, err = d.RegisterHost(Descriptor{})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	assert.Len(t, d.ListHosts(), 3)
}

func TestHeartbeatAndWorkers(t *testing.T) {
	d, clk := newTestDirectory(t, Options{})
	h, err := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	require.NoError(t, d.UpdateHeartbeat(h.ID, protocol.Resources{CPU: 12.5, Memory: 40}))
	got, err := d.GetHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, clk.Now(), got.LastSeen)
	require.NotNil(t, got.Resources)
	assert.Equal(t, 12.5, got.Resources.CPU)
	assert.Len(t, d.OnlineHosts(), 1)

	require.NoError(t, d.UpdateWorkerStatus(h.ID, []supervisor.Snapshot{
		{Name: "fs", Status: supervisor.StatusRunning},
		{Name: "git", Status: supervisor.StatusStopped},
	}))
	require.NoError(t, d.UpdateWorkerStatus(h.ID, []supervisor.Snapshot{
		{Name: "git", Status: supervisor.StatusRunning},
	}))
	got, _ = d.GetHost(h.ID)
	require.Len(t, got.Workers, 1)
	assert.Equal(t, "git", got.Workers[0].Name)

	d.MarkOffline(h.ID)
	got, _ = d.GetHost(h.ID)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Empty(t, d.OnlineHosts())

	require.NoError(t, d.UpdateHeartbeat(h.ID, protocol.Resources{}))
	got, _ = d.GetHost(h.ID)
	assert.Equal(t, StatusOnline, got.Status)

	assert.ErrorIs(t, d.UpdateHeartbeat("ghost", protocol.Resources{}), ErrHostNotFound)
	assert.ErrorIs(t, d.UpdateWorkerStatus("ghost", nil), ErrHostNotFound)
}

// laptop-1 heartbeats for 25s then goes silent; it must read offline by
// 41s after its last heartbeat.
func TestSweepDemotesSilentHost(t *testing.T) {
	d, clk := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "laptop-1", Platform: "darwin"})

	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Second)
		require.NoError(t, d.UpdateHeartbeat(h.ID, protocol.Resources{}))
	}

	clk.Advance(30 * time.Second)
	assert.Equal(t, 0, d.Sweep())
	got, _ := d.GetHost(h.ID)
	assert.Equal(t, StatusOnline, got.Status)

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, d.Sweep())
	got, _ = d.GetHost(h.ID)
	assert.Equal(t, StatusOffline, got.Status)

	// already offline hosts are not counted again
	assert.Equal(t, 0, d.Sweep())
}

func TestStartDemotesOnTick(t *testing.T) {
	d, clk := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "laptop-1", Platform: "darwin"})
	require.NoError(t, d.UpdateHeartbeat(h.ID, protocol.Resources{}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Start(ctx)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)

	status := func() Connectivity {
		got, _ := d.GetHost(h.ID)
		return got.Status
	}
	clk.Advance(DefaultTimeout)
	assert.Never(t, func() bool { return status() == StatusOffline }, 100*time.Millisecond, 10*time.Millisecond)

	clk.Advance(DefaultSweepInterval)
	require.Eventually(t, func() bool { return status() == StatusOffline }, 2*time.Second, 10*time.Millisecond)
}

func TestIssueCommandOverTransport(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	tr := newFakeTransport(h.ID)
	d.SetTransport(tr)

	cmd, err := d.WorkerAction(context.Background(), h.ID, "fs", "restart")
	require.NoError(t, err)
	assert.Equal(t, CommandSent, cmd.Status)
	assert.Equal(t, PathTransport, cmd.Path)
	assert.Equal(t, protocol.CommandRestartMCP, cmd.Type)
	assert.Equal(t, []string{cmd.ID}, tr.dispatched)

	require.NoError(t, d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: true}))
	got, err := d.GetCommand(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandCompleted, got.Status)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)

	// finished commands never regress
	err = d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: false, Error: "late"})
	assert.ErrorIs(t, err, ErrCommandNotPending)
	got, _ = d.GetCommand(cmd.ID)
	assert.Equal(t, CommandCompleted, got.Status)

	assert.ErrorIs(t, d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: "nope"}), ErrCommandNotFound)
}

func TestCompleteCommandFromOtherHost(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	a, _ := d.RegisterHost(Descriptor{Name: "host-a", Platform: "linux"})
	b, _ := d.RegisterHost(Descriptor{Name: "host-b", Platform: "linux"})
	d.SetTransport(newFakeTransport(a.ID, b.ID))

	cmd, err := d.WorkerAction(context.Background(), a.ID, "fs", "restart")
	require.NoError(t, err)

	err = d.CompleteCommand(b.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, ErrCommandNotFound)
	got, _ := d.GetCommand(cmd.ID)
	assert.Equal(t, CommandSent, got.Status)

	require.NoError(t, d.CompleteCommand(a.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: true}))
	got, _ = d.GetCommand(cmd.ID)
	assert.Equal(t, CommandCompleted, got.Status)
}

func TestResponseBeforeSentMark(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	tr := newFakeTransport(h.ID)
	tr.onDispatch = func(id string) {
		require.NoError(t, d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: id, Success: false, Error: "boom"}))
	}
	d.SetTransport(tr)

	cmd, err := d.IssueCommand(context.Background(), h.ID, protocol.CommandListMCP, nil)
	require.NoError(t, err)
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Equal(t, "boom", cmd.Error)
	assert.Equal(t, PathTransport, cmd.Path)
}

func TestIssueCommandFallback(t *testing.T) {
	fb := &stubFallback{result: json.RawMessage(`{"name":"fs","status":"running"}`)}
	d, _ := newTestDirectory(t, Options{Fallback: fb})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	d.SetTransport(newFakeTransport())

	cmd, err := d.WorkerAction(context.Background(), h.ID, "fs", "start")
	require.NoError(t, err)
	assert.Equal(t, CommandCompleted, cmd.Status)
	assert.Equal(t, PathFallback, cmd.Path)
	assert.JSONEq(t, `{"name":"fs","status":"running"}`, string(cmd.Result))

	fb.err = errors.New("agent api 500")
	cmd, err = d.WorkerAction(context.Background(), h.ID, "fs", "stop")
	require.NoError(t, err)
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Equal(t, "agent api 500", cmd.Error)
	assert.Equal(t, 2, fb.calls)
}

func TestIssueCommandUnreachable(t *testing.T) {
	d, _ := newTestDirectory(t, Options{Fallback: &stubFallback{err: ErrNoFallback}})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})

	cmd, err := d.IssueCommand(context.Background(), h.ID, protocol.CommandCaptureScreenshot, nil)
	require.ErrorIs(t, err, ErrHostUnreachable)
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Empty(t, cmd.Path)

	_, err = d.IssueCommand(context.Background(), "ghost", protocol.CommandListMCP, nil)
	assert.ErrorIs(t, err, ErrHostNotFound)

	_, err = d.WorkerAction(context.Background(), h.ID, "fs", "explode")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestAwait(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	d.SetTransport(newFakeTransport(h.ID))

	cmd, err := d.IssueCommand(context.Background(), h.ID, protocol.CommandListMCP, nil)
	require.NoError(t, err)

	go func() {
		_ = d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: true, Result: json.RawMessage(`[]`)})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := d.Await(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandCompleted, done.Status)

	orphan, err := d.IssueCommand(context.Background(), h.ID, protocol.CommandListMCP, nil)
	require.NoError(t, err)
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	got, err := d.Await(short, orphan.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CommandSent, got.Status)

	_, err = d.Await(ctx, "nope")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestListCommandsOrder(t *testing.T) {
	d, clk := newTestDirectory(t, Options{})
	a, _ := d.RegisterHost(Descriptor{Name: "a", Platform: "linux"})
	b, _ := d.RegisterHost(Descriptor{Name: "b", Platform: "linux"})
	d.SetTransport(newFakeTransport(a.ID, b.ID))

	var ids []string
	for _, host := range []string{a.ID, b.ID, a.ID} {
		clk.Advance(time.Second)
		cmd, err := d.IssueCommand(context.Background(), host, protocol.CommandListMCP, nil)
		require.NoError(t, err)
		ids = append(ids, cmd.ID)
	}

	all := d.ListCommands("")
	require.Len(t, all, 3)
	assert.Equal(t, ids[0], all[0].ID)
	assert.Equal(t, ids[2], all[2].ID)

	onA := d.ListCommands(a.ID)
	require.Len(t, onA, 2)
	assert.Equal(t, ids[0], onA[0].ID)
	assert.Equal(t, ids[2], onA[1].ID)
}

func TestRemoveHostDropsConnection(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	tr := newFakeTransport(h.ID)
	d.SetTransport(tr)

	require.NoError(t, d.RemoveHost(h.ID))
	assert.Equal(t, []string{h.ID}, tr.closed)
	_, err := d.GetHost(h.ID)
	assert.ErrorIs(t, err, ErrHostNotFound)
	assert.ErrorIs(t, d.RemoveHost(h.ID), ErrHostNotFound)

	// same identity registers fresh
	again, err := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, again.ID)
}

func TestHistoryEvents(t *testing.T) {
	sink := &memSink{}
	pub := history.NewPublisher(quietLogger(), sink)
	d, clk := newTestDirectory(t, Options{History: pub})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux"})
	d.SetTransport(newFakeTransport(h.ID))

	require.NoError(t, d.UpdateHeartbeat(h.ID, protocol.Resources{}))
	require.NoError(t, d.UpdateWorkerStatus(h.ID, []supervisor.Snapshot{{Name: "fs", Status: supervisor.StatusRunning}}))
	cmd, err := d.IssueCommand(context.Background(), h.ID, protocol.CommandListMCP, nil)
	require.NoError(t, err)
	require.NoError(t, d.CompleteCommand(h.ID, protocol.CommandResponse{CommandID: cmd.ID, Success: true}))
	clk.Advance(time.Minute)
	d.Sweep()
	require.NoError(t, pub.Close())

	assert.Equal(t, []history.EventType{
		history.EventHostRegistered,
		history.EventHostOnline,
		history.EventWorkerState,
		history.EventCommandSent,
		history.EventCommandCompleted,
		history.EventHostOffline,
	}, sink.types())
}

func TestSideChannelFallback(t *testing.T) {
	type seen struct{ path, auth string }
	got := make(chan seen, 1)
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.URL.Path, r.Header.Get("Authorization")}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"fs","status":"running","restartCount":0}`))
	}))
	defer agent.Close()

	sc := NewSideChannel(agentapi.NewClient(time.Second, nil), "agent-secret")
	d, _ := newTestDirectory(t, Options{Fallback: sc})
	h, _ := d.RegisterHost(Descriptor{Name: "box", Platform: "linux", Network: Network{APIURL: agent.URL}})

	cmd, err := d.WorkerAction(context.Background(), h.ID, "fs", "restart")
	require.NoError(t, err)
	assert.Equal(t, CommandCompleted, cmd.Status)
	req := <-got
	assert.Equal(t, "/workers/fs/restart", req.path)
	assert.Equal(t, "Bearer agent-secret", req.auth)

	// no side-channel path for non-worker commands
	_, err = d.IssueCommand(context.Background(), h.ID, protocol.CommandTriggerUpdate, nil)
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

type stubScanner struct {
	mu    sync.Mutex
	found []discovery.Found
	err   error
}

func (s *stubScanner) Name() string { return "stub" }

func (s *stubScanner) Scan(context.Context) ([]discovery.Found, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discovery.Found(nil), s.found...), s.err
}

type stubConnector struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	err          error
}

func (c *stubConnector) Connect(_ context.Context, h HostRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, h.Name)
	return c.err
}

func (c *stubConnector) Disconnect(_ context.Context, h HostRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, h.Name)
	return nil
}

func TestDiscoveryAutoConnect(t *testing.T) {
	scanner := &stubScanner{found: []discovery.Found{
		{Address: "100.64.0.2", Name: "edge-2", Platform: "linux", Method: discovery.MethodTailscale, APIURL: "http://100.64.0.2:8090"},
		{Address: "100.64.0.3", Name: "edge-3", Platform: "linux", Method: discovery.MethodTailscale},
	}}
	conn := &stubConnector{}
	d, clk := newTestDirectory(t, Options{Scanners: []discovery.Scanner{scanner}, Connector: conn, AutoConnect: true})

	d.ScanOnce(context.Background())
	found := d.Discovered()
	require.Len(t, found, 2)
	assert.Equal(t, "100.64.0.2", found[0].Address)
	assert.False(t, found[0].Connected)

	// only the host with an api url gets a connection attempt
	assert.Equal(t, []string{"edge-2"}, conn.connected)
	assert.Len(t, d.ListHosts(), 2)

	hosts := d.ListHosts()
	require.NoError(t, d.UpdateHeartbeat(hosts[0].ID, protocol.Resources{}))

	clk.Advance(time.Minute)
	d.ScanOnce(context.Background())
	found = d.Discovered()
	assert.True(t, found[0].Connected)
	assert.True(t, found[0].LastSeen.After(found[0].FirstSeen))
	// known addresses are not promoted twice
	assert.Equal(t, []string{"edge-2"}, conn.connected)
}

func TestDiscoveryLoop(t *testing.T) {
	d, _ := newTestDirectory(t, Options{})
	assert.ErrorIs(t, d.StartDiscovery(time.Second), ErrNoScanners)

	scanner := &stubScanner{found: []discovery.Found{{Address: "10.0.0.9", Name: "lan-9", Platform: "linux", Method: discovery.MethodLAN}}}
	d, _ = newTestDirectory(t, Options{Scanners: []discovery.Scanner{scanner}})
	require.NoError(t, d.StartDiscovery(time.Minute))
	require.NoError(t, d.StartDiscovery(time.Minute))
	assert.True(t, d.DiscoveryRunning())

	require.Eventually(t, func() bool { return len(d.Discovered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	d.StopDiscovery()
	assert.False(t, d.DiscoveryRunning())
	d.StopDiscovery()

	// without auto-connect nothing is registered until promoted
	assert.Empty(t, d.ListHosts())
	rec, err := d.PromoteDiscovered(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "lan-9", rec.Name)
	assert.Equal(t, discovery.MethodLAN, rec.Network.Method)

	_, err = d.PromoteDiscovered(context.Background(), "10.0.0.10")
	assert.ErrorIs(t, err, ErrNotDiscovered)
}

func TestConnectDisconnectHost(t *testing.T) {
	conn := &stubConnector{}
	d, _ := newTestDirectory(t, Options{Connector: conn})
	withAPI, _ := d.RegisterHost(Descriptor{Name: "a", Platform: "linux", Network: Network{APIURL: "http://a:8090"}})
	bare, _ := d.RegisterHost(Descriptor{Name: "b", Platform: "linux"})
	tr := newFakeTransport(bare.ID)
	d.SetTransport(tr)

	require.NoError(t, d.ConnectHost(context.Background(), withAPI.ID))
	assert.Equal(t, []string{"a"}, conn.connected)

	// already live
	require.NoError(t, d.ConnectHost(context.Background(), bare.ID))

	require.NoError(t, d.DisconnectHost(context.Background(), bare.ID))
	assert.ErrorIs(t, d.ConnectHost(context.Background(), bare.ID), ErrNoSideChannel)
	got, _ := d.GetHost(bare.ID)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, []string{bare.ID}, tr.closed)

	conn.err = errors.New("refused")
	require.Error(t, d.ConnectHost(context.Background(), withAPI.ID))
	got, _ = d.GetHost(withAPI.ID)
	assert.Equal(t, StatusError, got.Status)

	assert.ErrorIs(t, d.ConnectHost(context.Background(), "ghost"), ErrHostNotFound)
}
