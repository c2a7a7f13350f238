// Package protocol defines the JSON messages exchanged between host agents
// and the orchestrator over the agent WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/fleetr/internal/supervisor"
)

// Version is the protocol version agents announce in auth.
const Version = "1"

// Path is the orchestrator route agents connect to.
const Path = "/ws"

type MessageType string

const (
	TypeAuth             MessageType = "auth"
	TypeAuthResponse     MessageType = "auth_response"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeHeartbeatAck     MessageType = "heartbeat_ack"
	TypeCommand          MessageType = "command"
	TypeCommandResponse  MessageType = "command_response"
	TypeMCPServersUpdate MessageType = "mcp_servers_update"
)

// Command types understood by agents.
const (
	CommandStartMCP          = "start_mcp"
	CommandStopMCP           = "stop_mcp"
	CommandRestartMCP        = "restart_mcp"
	CommandListMCP           = "list_mcp"
	CommandCaptureScreenshot = "capture_screenshot"
	CommandTriggerUpdate     = "trigger_update"
)

var ErrUnknownType = errors.New("unknown message type")

// Envelope is the frame carried by every WebSocket text message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Auth struct {
	HostName     string   `json:"hostName"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"token"`
	// HostID is sent by agents that were assigned an id before, so the
	// orchestrator can keep identity stable across renames.
	HostID string `json:"hostId,omitempty"`
	// APIURL is the agent's side-channel HTTP API, if it exposes one.
	APIURL string `json:"apiUrl,omitempty"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	HostID  string `json:"hostId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Resources is a point-in-time host resource reading in percent.
type Resources struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	Load1     float64   `json:"load1,omitempty"`
	UptimeSec uint64    `json:"uptimeSec,omitempty"`
	SampledAt time.Time `json:"sampledAt"`
}

type Heartbeat struct {
	HostID    string                `json:"hostId"`
	Resources Resources             `json:"resources"`
	Workers   []supervisor.Snapshot `json:"workers"`
}

type HeartbeatAck struct{}

type Command struct {
	CommandID   string          `json:"commandId"`
	CommandType string          `json:"commandType"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type CommandResponse struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type ServersUpdate struct {
	HostID  string                `json:"hostId"`
	Servers []supervisor.Snapshot `json:"servers"`
}

// WorkerParams are the params of start_mcp, stop_mcp and restart_mcp.
type WorkerParams struct {
	Name string `json:"name"`
}

// Encode wraps payload in an Envelope of the given type.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses an envelope. Payload decoding is left to DecodePayload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeAuth, TypeAuthResponse, TypeHeartbeat, TypeHeartbeatAck,
		TypeCommand, TypeCommandResponse, TypeMCPServersUpdate:
		return env, nil
	default:
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodePayload unmarshals the envelope payload into v. An empty payload
// leaves v untouched.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// MustJSON marshals v for command params/results, returning nil on failure.
func MustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
