// Package registry turns authenticated agent WebSockets into addressable,
// liveness-tracked connections and routes commands and responses between
// them and the host directory.
package registry

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = DefaultTimeout / 2
	DefaultAuthTimeout   = 10 * time.Second

	maxMessageSize = 1 << 20
)

var (
	ErrAuthFailed       = errors.New("invalid token")
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// Hosts is the directory side the registry reports to.
type Hosts interface {
	RegisterHost(desc directory.Descriptor) (directory.HostRecord, error)
	UpdateHeartbeat(hostID string, res protocol.Resources) error
	UpdateWorkerStatus(hostID string, workers []supervisor.Snapshot) error
	CompleteCommand(hostID string, resp protocol.CommandResponse) error
	MarkOffline(hostID string)
}

type Config struct {
	// Tokens is the agent token allow-list. An empty list rejects everyone.
	Tokens []string
	// Timeout is the heartbeat liveness window.
	Timeout       time.Duration
	SweepInterval time.Duration
	// AuthTimeout bounds how long a new socket may wait before sending auth.
	AuthTimeout time.Duration
	CheckOrigin func(r *http.Request) bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Connection describes a live, authenticated agent.
type Connection struct {
	HostID        string    `json:"hostId"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform"`
	Version       string    `json:"version,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

type conn struct {
	info Connection
	sock *Socket
}

// SendResult is the outcome of SendCommand. CommandID is empty when not sent.
type SendResult struct {
	CommandID string `json:"commandId,omitempty"`
	Sent      bool   `json:"sent"`
}

type Registry struct {
	hosts    Hosts
	tokens   [][]byte
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
	socks map[*Socket]struct{}
}

func New(hosts Hosts, cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Timeout / 2
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	r := &Registry{
		hosts:  hosts,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		conns:  make(map[string]*conn),
		socks:  make(map[*Socket]struct{}),
	}
	for _, t := range cfg.Tokens {
		if t != "" {
			r.tokens = append(r.tokens, []byte(t))
		}
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	if r.upgrader.CheckOrigin == nil {
		// agents are not browsers
		r.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return r
}

// ServeHTTP upgrades an agent request and runs its read loop until the
// socket closes.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	sock := newSocket(ws, req.RemoteAddr)
	r.mu.Lock()
	r.socks[sock] = struct{}{}
	r.mu.Unlock()
	r.readLoop(sock)
}

func (r *Registry) readLoop(sock *Socket) {
	ws := sock.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(r.cfg.AuthTimeout))
	reason := "connection closed"
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sock.isClosed() {
				reason = err.Error()
			}
			break
		}
		env, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn("bad frame", "remote", sock.remote, "error", err)
			continue
		}
		if sock.HostID() == "" && env.Type != protocol.TypeAuth {
			_ = sock.Send(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: "authenticate first"})
			reason = "message before auth"
			break
		}
		if err := r.handle(sock, env); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				reason = "auth failed"
				break
			}
			r.logger.Warn("message handling failed", "type", env.Type, "host", sock.HostID(), "error", err)
		}
		if env.Type == protocol.TypeAuth && sock.HostID() != "" {
			_ = ws.SetReadDeadline(time.Time{})
		}
	}
	r.Disconnect(sock, reason)
}

func (r *Registry) handle(sock *Socket, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeAuth:
		p, err := protocol.DecodePayload[protocol.Auth](env)
		if err != nil {
			return err
		}
		return r.HandleAuth(sock, p)
	case protocol.TypeHeartbeat:
		p, err := protocol.DecodePayload[protocol.Heartbeat](env)
		if err != nil {
			return err
		}
		return r.HandleHeartbeat(sock, p)
	case protocol.TypeCommandResponse:
		p, err := protocol.DecodePayload[protocol.CommandResponse](env)
		if err != nil {
			return err
		}
		return r.HandleCommandResponse(sock, p)
	case protocol.TypeMCPServersUpdate:
		p, err := protocol.DecodePayload[protocol.ServersUpdate](env)
		if err != nil {
			return err
		}
		return r.HandleServersUpdate(sock, p)
	default:
		r.logger.Debug("ignoring frame", "type", env.Type, "host", sock.HostID())
		return nil
	}
}

func (r *Registry) validToken(token string) bool {
	got := []byte(token)
	ok := false
	for _, t := range r.tokens {
		if subtle.ConstantTimeCompare(got, t) == 1 {
			ok = true
		}
	}
	return ok
}

// HandleAuth checks the token and, on success, registers the host and makes
// sock its live connection, replacing any older one.
func (r *Registry) HandleAuth(sock *Socket, p protocol.Auth) error {
	if sock.HostID() != "" {
		return errors.New("already authenticated")
	}
	if !r.validToken(p.Token) {
		metrics.IncAuthFailure()
		r.logger.Warn("agent auth rejected", "remote", sock.remote, "host", p.HostName)
		_ = sock.Send(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: ErrAuthFailed.Error()})
		sock.close(websocket.ClosePolicyViolation, "auth failed")
		return ErrAuthFailed
	}

	rec, err := r.hosts.RegisterHost(directory.Descriptor{
		ID:           p.HostID,
		Name:         p.HostName,
		Platform:     p.Platform,
		Version:      p.Version,
		Capabilities: p.Capabilities,
		Network:      directory.Network{Address: remoteHost(sock.remote), Method: "agent", APIURL: p.APIURL},
	})
	if err != nil {
		_ = sock.Send(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: err.Error()})
		sock.close(websocket.ClosePolicyViolation, "registration failed")
		return errors.Join(ErrAuthFailed, err)
	}

	now := r.clock.Now()
	c := &conn{
		sock: sock,
		info: Connection{
			HostID:        rec.ID,
			Name:          p.HostName,
			Platform:      p.Platform,
			Version:       p.Version,
			Capabilities:  append([]string(nil), p.Capabilities...),
			RemoteAddr:    sock.remote,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
	}
	r.mu.Lock()
	old := r.conns[rec.ID]
	r.conns[rec.ID] = c
	sock.setHostID(rec.ID)
	n := len(r.conns)
	r.mu.Unlock()
	metrics.SetConnections(n)

	if old != nil && old.sock != sock {
		r.logger.Info("replacing stale connection", "host", rec.ID, "old", old.sock.remote)
		old.sock.close(websocket.CloseNormalClosure, "replaced by new connection")
	}
	r.logger.Info("agent authenticated", "host", rec.ID, "name", p.HostName, "platform", p.Platform, "remote", sock.remote)
	return sock.Send(protocol.TypeAuthResponse, protocol.AuthResponse{Success: true, HostID: rec.ID})
}

// HandleHeartbeat stamps the connection and forwards the snapshot. The host
// id comes from the connection, not the payload.
func (r *Registry) HandleHeartbeat(sock *Socket, hb protocol.Heartbeat) error {
	c := r.current(sock)
	if c == nil {
		return ErrNotAuthenticated
	}
	id := c.info.HostID
	if hb.HostID != "" && hb.HostID != id {
		r.logger.Warn("heartbeat host id mismatch", "connection", id, "payload", hb.HostID)
	}
	now := r.clock.Now()
	r.mu.Lock()
	if now.After(c.info.LastHeartbeat) {
		c.info.LastHeartbeat = now
	}
	r.mu.Unlock()
	metrics.IncHeartbeat()

	if err := r.hosts.UpdateHeartbeat(id, hb.Resources); err != nil {
		r.logger.Warn("heartbeat for unknown host", "host", id, "error", err)
	}
	if hb.Workers != nil {
		if err := r.hosts.UpdateWorkerStatus(id, hb.Workers); err != nil {
			r.logger.Warn("worker status update failed", "host", id, "error", err)
		}
	}
	return sock.Send(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{})
}

// HandleCommandResponse hands the response to the directory for correlation.
// Only the host a command was issued to can complete it.
func (r *Registry) HandleCommandResponse(sock *Socket, resp protocol.CommandResponse) error {
	c := r.current(sock)
	if c == nil {
		return ErrNotAuthenticated
	}
	if err := r.hosts.CompleteCommand(c.info.HostID, resp); err != nil {
		r.logger.Warn("command response not applied", "command", resp.CommandID, "host", c.info.HostID, "error", err)
	}
	return nil
}

func (r *Registry) HandleServersUpdate(sock *Socket, u protocol.ServersUpdate) error {
	c := r.current(sock)
	if c == nil {
		return ErrNotAuthenticated
	}
	return r.hosts.UpdateWorkerStatus(c.info.HostID, u.Servers)
}

func (r *Registry) current(sock *Socket) *conn {
	id := sock.HostID()
	if id == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.conns[id]
	if c == nil || c.sock != sock {
		return nil
	}
	return c
}

// Dispatch pushes a command with a caller-chosen correlation id.
func (r *Registry) Dispatch(hostID, commandID, cmdType string, params json.RawMessage) (bool, error) {
	r.mu.RLock()
	c := r.conns[hostID]
	r.mu.RUnlock()
	if c == nil {
		return false, nil
	}
	err := c.sock.Send(protocol.TypeCommand, protocol.Command{CommandID: commandID, CommandType: cmdType, Params: params})
	if err != nil {
		r.Disconnect(c.sock, "write failed")
		return false, err
	}
	return true, nil
}

// SendCommand pushes a command with a fresh correlation id. An absent host
// yields Sent=false at once; nothing is queued.
func (r *Registry) SendCommand(hostID, cmdType string, params json.RawMessage) (SendResult, error) {
	id := uuid.NewString()
	sent, err := r.Dispatch(hostID, id, cmdType, params)
	if !sent {
		return SendResult{}, err
	}
	return SendResult{CommandID: id, Sent: true}, nil
}

// Disconnect closes sock and, if it was its host's live connection, removes
// it and marks the host offline.
func (r *Registry) Disconnect(sock *Socket, reason string) {
	id := sock.HostID()
	r.mu.Lock()
	delete(r.socks, sock)
	c := r.conns[id]
	current := id != "" && c != nil && c.sock == sock
	if current {
		delete(r.conns, id)
	}
	n := len(r.conns)
	r.mu.Unlock()

	sock.close(websocket.CloseNormalClosure, reason)
	if !current {
		return
	}
	metrics.SetConnections(n)
	r.logger.Info("agent disconnected", "host", id, "reason", reason)
	r.hosts.MarkOffline(id)
}

// Close drops hostID's live connection. It reports whether one existed.
func (r *Registry) Close(hostID, reason string) bool {
	r.mu.RLock()
	c := r.conns[hostID]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	r.Disconnect(c.sock, reason)
	return true
}

func (r *Registry) IsOnline(hostID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[hostID]
	return ok
}

func (r *Registry) Connection(hostID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[hostID]
	if !ok {
		return Connection{}, false
	}
	return c.info, true
}

// Connections lists live connections sorted by host id.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Sweep force-closes connections whose last heartbeat is older than the
// timeout and returns how many it closed.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	var stale []*conn
	r.mu.RLock()
	for _, c := range r.conns {
		if now.Sub(c.info.LastHeartbeat) > r.cfg.Timeout {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range stale {
		r.logger.Warn("evicting silent agent", "host", c.info.HostID, "last_heartbeat", c.info.LastHeartbeat)
		metrics.IncEviction()
		r.Disconnect(c.sock, "heartbeat timeout")
	}
	return len(stale)
}

// Start runs the liveness sweep until ctx is done, then closes every socket.
func (r *Registry) Start(ctx context.Context) {
	t := r.clock.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// CloseAll closes every open socket, authenticated or not.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	socks := make([]*Socket, 0, len(r.socks))
	for s := range r.socks {
		socks = append(socks, s)
	}
	r.mu.RUnlock()
	for _, s := range socks {
		r.Disconnect(s, "orchestrator shutdown")
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
