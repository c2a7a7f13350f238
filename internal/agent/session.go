// Package agent implements the host agent side of the fleet transport: one
// outbound WebSocket session that authenticates, heartbeats, executes
// commands against the local supervisor and reconnects on failure.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	writeWait                = 10 * time.Second
	dialTimeout              = 15 * time.Second
)

var ErrAuthRejected = errors.New("orchestrator rejected credentials")

// Workers is the part of the local supervisor the session depends on.
type Workers interface {
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Status(name string) (supervisor.Snapshot, error)
	StatusAll() []supervisor.Snapshot
	Subscribe(buffer int) (<-chan supervisor.Event, func())
}

// Config describes how the session reaches and identifies itself to the
// orchestrator.
type Config struct {
	URL               string
	Token             string
	HostID            string
	HostName          string
	Platform          string
	Version           string
	Capabilities      []string
	APIURL            string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	TLS               *tls.Config
	// Manual keeps Run from dialing; the session connects on an explicit
	// Connect call, such as from the local API.
	Manual bool
}

// Options carries the session's collaborators.
type Options struct {
	Workers  Workers
	Executor Executor
	Sampler  Sampler
	Clock    clock.Clock
	Logger   *slog.Logger
}

// EventType enumerates session notifications.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailed    EventType = "auth_failed"
	EventDisconnected  EventType = "disconnected"
)

type Event struct {
	Type   EventType
	HostID string
	Err    error
}

type Session struct {
	cfg      Config
	workers  Workers
	executor Executor
	sample   Sampler
	clock    clock.Clock
	logger   *slog.Logger
	dialer   *websocket.Dialer
	events   chan Event

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	hostID         string
	noReconnect    bool
	authFailed     bool
	// dialGen changes on every connect attempt and Disconnect; a dial that
	// returns under an older value is discarded.
	dialGen        uint64
	reconnectTimer *clock.Timer
	stopHeartbeat  chan struct{}

	writeMu sync.Mutex
}

func NewSession(cfg Config, opts Options) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	s := &Session{
		cfg:      cfg,
		workers:  opts.Workers,
		executor: opts.Executor,
		sample:   opts.Sampler,
		clock:    opts.Clock,
		logger:   opts.Logger,
		events:   make(chan Event, 32),
		state:    StateDisconnected,
		hostID:   cfg.HostID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			TLSClientConfig:  cfg.TLS,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
	if s.sample == nil {
		s.sample = SampleResources
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.executor == nil {
		s.executor = Unsupported{}
	}
	return s
}

// Events delivers session notifications. Events are dropped when the
// buffer is full.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HostID returns the id assigned by the orchestrator, if any.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

// Run connects and keeps the session alive until ctx is done, pushing
// worker status changes upstream as they happen.
func (s *Session) Run(ctx context.Context) error {
	if s.workers != nil {
		updates, cancel := s.workers.Subscribe(64)
		defer cancel()
		go s.forwardUpdates(updates)
	}
	if !s.cfg.Manual {
		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("initial connect failed", "url", s.cfg.URL, "error", err)
		}
	}
	<-ctx.Done()
	s.Disconnect()
	return nil
}

// Connect dials the orchestrator and sends auth. It is a no-op while a
// connection is being established or is open. A dial failure schedules a
// reconnect.
func (s *Session) Connect(ctx context.Context) error {
	return s.connect(ctx, true)
}

func (s *Session) connect(ctx context.Context, explicit bool) error {
	s.mu.Lock()
	if s.state != StateDisconnected || (!explicit && (s.noReconnect || s.authFailed)) {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.noReconnect = false
	s.authFailed = false
	s.stopReconnectLocked()
	s.dialGen++
	gen := s.dialGen
	hostID := s.hostID
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		s.mu.Lock()
		if s.dialGen == gen {
			s.state = StateDisconnected
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.dialGen != gen || s.noReconnect {
		if s.dialGen == gen {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.emit(Event{Type: EventConnected})
	s.logger.Info("connected to orchestrator", "url", s.cfg.URL)

	go s.readLoop(conn)
	return s.send(conn, protocol.TypeAuth, protocol.Auth{
		HostName:     s.cfg.HostName,
		Platform:     s.cfg.Platform,
		Version:      s.cfg.Version,
		Capabilities: s.cfg.Capabilities,
		Token:        s.cfg.Token,
		HostID:       hostID,
		APIURL:       s.cfg.APIURL,
	})
}

// Disconnect closes the session and suppresses reconnection until the next
// explicit Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.noReconnect = true
	s.dialGen++
	s.stopReconnectLocked()
	s.stopHeartbeatLocked()
	conn := s.conn
	s.conn = nil
	wasOpen := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown"))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasOpen {
		s.emit(Event{Type: EventDisconnected})
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		s.dispatch(conn, env)
	}
}

func (s *Session) dispatch(conn *websocket.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuthResponse:
		resp, err := protocol.DecodePayload[protocol.AuthResponse](env)
		if err != nil {
			s.logger.Warn("bad auth_response", "error", err)
			return
		}
		s.handleAuthResponse(conn, resp)
	case protocol.TypeHeartbeatAck:
	case protocol.TypeCommand:
		cmd, err := protocol.DecodePayload[protocol.Command](env)
		if err != nil {
			s.logger.Warn("bad command", "error", err)
			return
		}
		go s.handleCommand(conn, cmd)
	default:
		s.logger.Debug("ignoring message", "type", env.Type)
	}
}

func (s *Session) handleAuthResponse(conn *websocket.Conn, resp protocol.AuthResponse) {
	if !resp.Success {
		s.mu.Lock()
		s.authFailed = true
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrAuthRejected, resp.Error)
		s.logger.Error("authentication failed, not reconnecting", "error", resp.Error)
		s.emit(Event{Type: EventAuthFailed, Err: err})
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.hostID = resp.HostID
	s.state = StateAuthenticated
	s.stopHeartbeatLocked()
	stop := make(chan struct{})
	s.stopHeartbeat = stop
	s.mu.Unlock()

	s.logger.Info("authenticated", "host_id", resp.HostID)
	s.emit(Event{Type: EventAuthenticated, HostID: resp.HostID})
	s.sendHeartbeat(conn)
	go s.heartbeatLoop(conn, stop)
}

func (s *Session) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.sendHeartbeat(conn)
		}
	}
}

func (s *Session) sendHeartbeat(conn *websocket.Conn) {
	s.mu.Lock()
	hostID := s.hostID
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	res := s.sample(ctx)
	cancel()
	hb := protocol.Heartbeat{HostID: hostID, Resources: res, Workers: s.snapshots()}
	if err := s.send(conn, protocol.TypeHeartbeat, hb); err != nil {
		s.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (s *Session) snapshots() []supervisor.Snapshot {
	if s.workers == nil {
		return []supervisor.Snapshot{}
	}
	return s.workers.StatusAll()
}

func (s *Session) forwardUpdates(updates <-chan supervisor.Event) {
	for range updates {
		s.mu.Lock()
		conn, hostID, ok := s.conn, s.hostID, s.state == StateAuthenticated
		s.mu.Unlock()
		if !ok {
			continue
		}
		update := protocol.ServersUpdate{HostID: hostID, Servers: s.snapshots()}
		if err := s.send(conn, protocol.TypeMCPServersUpdate, update); err != nil {
			s.logger.Warn("servers update send failed", "error", err)
		}
	}
}

func (s *Session) handleCommand(conn *websocket.Conn, cmd protocol.Command) {
	s.logger.Info("command received", "id", cmd.CommandID, "type", cmd.CommandType)
	result, err := s.execute(context.Background(), cmd)
	resp := protocol.CommandResponse{CommandID: cmd.CommandID, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = protocol.MustJSON(result)
	}
	if err := s.send(conn, protocol.TypeCommandResponse, resp); err != nil {
		s.logger.Warn("command response send failed", "id", cmd.CommandID, "error", err)
	}
}

func (s *Session) handleClose(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.stopHeartbeatLocked()
	if !s.noReconnect && !s.authFailed {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()
	_ = conn.Close()
	s.logger.Warn("connection closed", "error", cause)
	s.emit(Event{Type: EventDisconnected, Err: cause})
}

func (s *Session) scheduleReconnectLocked() {
	if s.noReconnect || s.authFailed {
		return
	}
	s.stopReconnectLocked()
	s.reconnectTimer = s.clock.AfterFunc(s.cfg.ReconnectInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := s.connect(ctx, false); err != nil {
			s.logger.Warn("reconnect failed", "error", err)
		}
	})
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) stopHeartbeatLocked() {
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
}

// send serializes writes so frames on one connection keep their order.
func (s *Session) send(conn *websocket.Conn, t protocol.MessageType, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
