package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/fleetr/internal/protocol"
)

const writeWait = 10 * time.Second

// Socket is one agent WebSocket. Writes are serialized so frames on a
// connection are never reordered.
type Socket struct {
	ws     *websocket.Conn
	remote string

	writeMu sync.Mutex

	mu     sync.Mutex
	hostID string
	closed bool
}

func newSocket(ws *websocket.Conn, remote string) *Socket {
	return &Socket{ws: ws, remote: remote}
}

// HostID is empty until the socket authenticates.
func (s *Socket) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

func (s *Socket) setHostID(id string) {
	s.mu.Lock()
	s.hostID = id
	s.mu.Unlock()
}

func (s *Socket) RemoteAddr() string { return s.remote }

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Send(t protocol.MessageType, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.ws.Close()
}
