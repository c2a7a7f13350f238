package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/loykin/fleetr/internal/history"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/protocol"
)

// IssueCommand sends a command to a host. A live host gets it over the
// transport and the command is returned as sent; the result arrives later
// through CompleteCommand. Otherwise the fallback path runs synchronously.
// With neither, the command is recorded failed and ErrHostUnreachable is
// returned alongside it.
func (d *Directory) IssueCommand(ctx context.Context, hostID, cmdType string, params json.RawMessage) (Command, error) {
	d.mu.Lock()
	rec, ok := d.hosts[hostID]
	if !ok {
		d.mu.Unlock()
		return Command{}, ErrHostNotFound
	}
	host := rec.clone()
	entry := &commandEntry{
		cmd: Command{
			ID:        uuid.NewString(),
			HostID:    hostID,
			Type:      cmdType,
			Params:    params,
			Status:    CommandPending,
			CreatedAt: d.clock.Now(),
		},
		done: make(chan struct{}),
	}
	d.commands[entry.cmd.ID] = entry
	t := d.transport
	d.mu.Unlock()

	id := entry.cmd.ID
	if t != nil {
		sent, err := t.Dispatch(hostID, id, cmdType, params)
		if err != nil {
			d.logger.Warn("command dispatch failed", "host", hostID, "command", id, "type", cmdType, "error", err)
		}
		if sent {
			return d.markSent(id), nil
		}
	}

	if d.fallback != nil {
		result, err := d.fallback.Invoke(ctx, host, cmdType, params)
		if !errors.Is(err, ErrNoFallback) {
			return d.finish(id, PathFallback, result, err), nil
		}
	}

	cmd := d.finish(id, "", nil, ErrHostUnreachable)
	return cmd, fmt.Errorf("%w: %s", ErrHostUnreachable, hostID)
}

// WorkerAction issues start_mcp, stop_mcp or restart_mcp for a named worker.
func (d *Directory) WorkerAction(ctx context.Context, hostID, worker, action string) (Command, error) {
	var cmdType string
	switch action {
	case "start":
		cmdType = protocol.CommandStartMCP
	case "stop":
		cmdType = protocol.CommandStopMCP
	case "restart":
		cmdType = protocol.CommandRestartMCP
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return d.IssueCommand(ctx, hostID, cmdType, protocol.MustJSON(protocol.WorkerParams{Name: worker}))
}

func (d *Directory) markSent(id string) Command {
	d.mu.Lock()
	e := d.commands[id]
	now := d.clock.Now()
	e.cmd.Path = PathTransport
	e.cmd.SentAt = &now
	// A fast response may already have finished it.
	advanced := e.cmd.Status == CommandPending
	if advanced {
		e.cmd.Status = CommandSent
	}
	cmd := e.cmd
	d.mu.Unlock()

	if !advanced {
		return cmd
	}
	metrics.IncCommand(cmd.Type, string(CommandSent))
	d.publish(history.Event{Type: history.EventCommandSent, HostID: cmd.HostID, Subject: cmd.ID, Status: string(cmd.Status), Detail: cmd.Type})
	return cmd
}

func (d *Directory) finish(id string, path DeliveryPath, result json.RawMessage, err error) Command {
	d.mu.Lock()
	e := d.commands[id]
	advanced := !e.cmd.Status.terminal()
	if advanced {
		now := d.clock.Now()
		if path != "" {
			e.cmd.Path = path
			e.cmd.SentAt = &now
		}
		e.cmd.CompletedAt = &now
		e.cmd.Result = result
		if err != nil {
			e.cmd.Status = CommandFailed
			e.cmd.Error = err.Error()
		} else {
			e.cmd.Status = CommandCompleted
		}
		close(e.done)
	}
	cmd := e.cmd
	d.mu.Unlock()

	if advanced {
		d.recordFinished(cmd)
	}
	return cmd
}

// CompleteCommand applies a command_response sent by hostID. Only pending or
// sent commands advance; finished ones are never changed. A response for a
// command issued to another host is treated as unknown.
func (d *Directory) CompleteCommand(hostID string, resp protocol.CommandResponse) error {
	d.mu.Lock()
	e, ok := d.commands[resp.CommandID]
	if !ok || e.cmd.HostID != hostID {
		d.mu.Unlock()
		return ErrCommandNotFound
	}
	if e.cmd.Status.terminal() {
		d.mu.Unlock()
		return ErrCommandNotPending
	}
	now := d.clock.Now()
	e.cmd.CompletedAt = &now
	e.cmd.Result = resp.Result
	if resp.Success {
		e.cmd.Status = CommandCompleted
	} else {
		e.cmd.Status = CommandFailed
		e.cmd.Error = resp.Error
	}
	close(e.done)
	cmd := e.cmd
	d.mu.Unlock()

	d.recordFinished(cmd)
	return nil
}

func (d *Directory) recordFinished(cmd Command) {
	metrics.IncCommand(cmd.Type, string(cmd.Status))
	typ := history.EventCommandCompleted
	if cmd.Status == CommandFailed {
		typ = history.EventCommandFailed
	}
	d.publish(history.Event{Type: typ, HostID: cmd.HostID, Subject: cmd.ID, Status: string(cmd.Status), Detail: cmd.Error})
}

// Await blocks until the command finishes or ctx is done. It never changes
// the command; on cancellation the current state is returned with ctx.Err().
func (d *Directory) Await(ctx context.Context, id string) (Command, error) {
	d.mu.RLock()
	e, ok := d.commands[id]
	d.mu.RUnlock()
	if !ok {
		return Command{}, ErrCommandNotFound
	}
	select {
	case <-e.done:
		return d.GetCommand(id)
	case <-ctx.Done():
		cmd, _ := d.GetCommand(id)
		return cmd, ctx.Err()
	}
}

func (d *Directory) GetCommand(id string) (Command, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.commands[id]
	if !ok {
		return Command{}, ErrCommandNotFound
	}
	return e.cmd, nil
}

// ListCommands returns commands oldest first. An empty hostID lists all.
func (d *Directory) ListCommands(hostID string) []Command {
	d.mu.RLock()
	out := make([]Command, 0, len(d.commands))
	for _, e := range d.commands {
		if hostID == "" || e.cmd.HostID == hostID {
			out = append(out, e.cmd)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
