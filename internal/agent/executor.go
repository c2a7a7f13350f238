package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/fleetr/internal/protocol"
)

var ErrUnsupportedCommand = errors.New("unsupported command type")

// Executor runs commands that are not worker lifecycle operations, such as
// screenshot capture or self-update. The result is sent back as JSON.
type Executor interface {
	Execute(ctx context.Context, commandType string, params json.RawMessage) (any, error)
}

// Unsupported rejects every command.
type Unsupported struct{}

func (Unsupported) Execute(_ context.Context, commandType string, _ json.RawMessage) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, commandType)
}

// execute routes a command to the supervisor or the executor.
func (s *Session) execute(ctx context.Context, cmd protocol.Command) (any, error) {
	switch cmd.CommandType {
	case protocol.CommandStartMCP, protocol.CommandStopMCP, protocol.CommandRestartMCP:
		if s.workers == nil {
			return nil, errors.New("no local supervisor")
		}
		var p protocol.WorkerParams
		if len(cmd.Params) > 0 {
			if err := json.Unmarshal(cmd.Params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if p.Name == "" {
			return nil, errors.New("params.name is required")
		}
		var err error
		switch cmd.CommandType {
		case protocol.CommandStartMCP:
			err = s.workers.Start(p.Name)
		case protocol.CommandStopMCP:
			err = s.workers.Stop(p.Name)
		default:
			err = s.workers.Restart(p.Name)
		}
		if err != nil {
			return nil, err
		}
		return s.workers.Status(p.Name)
	case protocol.CommandListMCP:
		return s.snapshots(), nil
	default:
		return s.executor.Execute(ctx, cmd.CommandType, cmd.Params)
	}
}
