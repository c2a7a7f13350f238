package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/fleetr/internal/agentapi"
	"github.com/loykin/fleetr/internal/protocol"
)

// ErrNoFallback is returned by a Fallback that has no path for the command.
var ErrNoFallback = errors.New("no fallback for command")

// Fallback actuates a command synchronously when the host has no live
// transport connection.
type Fallback interface {
	Invoke(ctx context.Context, host HostRecord, cmdType string, params json.RawMessage) (json.RawMessage, error)
}

// Connector asks a host to open or close its transport session.
type Connector interface {
	Connect(ctx context.Context, host HostRecord) error
	Disconnect(ctx context.Context, host HostRecord) error
}

// SideChannel reaches agents through their local HTTP API. It serves worker
// start, stop and restart as a Fallback and session control as a Connector.
type SideChannel struct {
	Client *agentapi.Client
	// Token is the bearer token agents require on their API.
	Token string
}

func NewSideChannel(client *agentapi.Client, token string) *SideChannel {
	return &SideChannel{Client: client, Token: token}
}

var workerActions = map[string]string{
	protocol.CommandStartMCP:   "start",
	protocol.CommandStopMCP:    "stop",
	protocol.CommandRestartMCP: "restart",
}

func (s *SideChannel) Invoke(ctx context.Context, host HostRecord, cmdType string, params json.RawMessage) (json.RawMessage, error) {
	action, ok := workerActions[cmdType]
	if !ok || host.Network.APIURL == "" {
		return nil, ErrNoFallback
	}
	var p protocol.WorkerParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, fmt.Errorf("%s: params need a worker name", cmdType)
	}
	return s.Client.WorkerAction(ctx, host.Network.APIURL, s.Token, p.Name, action)
}

func (s *SideChannel) Connect(ctx context.Context, host HostRecord) error {
	return s.Client.Connect(ctx, host.Network.APIURL, s.Token)
}

func (s *SideChannel) Disconnect(ctx context.Context, host HostRecord) error {
	return s.Client.Disconnect(ctx, host.Network.APIURL, s.Token)
}
