package supervisor

import (
	"errors"
	"time"

	"github.com/loykin/fleetr/internal/process"
)

// Status is the lifecycle status of a managed worker.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Crash-restart policy.
const (
	BaseRestartDelay = 5 * time.Second
	MaxRestarts      = 5
	RestartWindow    = time.Hour
)

var (
	ErrNotFound = errors.New("worker not found")
	ErrExists   = errors.New("worker already exists")
	ErrClosed   = errors.New("supervisor is shut down")
)

// Snapshot is the read-only projection of a worker reported upstream.
type Snapshot struct {
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	RestartCount int        `json:"restartCount"`
}

// Event is emitted on every status change.
type Event struct {
	Name     string
	From     Status
	To       Status
	Snapshot Snapshot
}

// Handle is a running OS process as seen by the supervisor.
// *process.Process implements it.
type Handle interface {
	PID() int
	StartedAt() time.Time
	Done() <-chan struct{}
	ExitErr() error
	Stop(grace time.Duration) error
}

// Launcher spawns a worker with the merged environment.
type Launcher func(spec process.Spec, env []string) (Handle, error)

func launchProcess(spec process.Spec, env []string) (Handle, error) {
	p, err := process.Start(spec, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}
