package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGracePeriod is how long Stop waits after the graceful signal
// before killing the process group.
const DefaultGracePeriod = 5 * time.Second

var ErrNotRunning = errors.New("process not running")

// Process is one spawned OS process. Done is closed once the process has
// been reaped; ExitErr is valid after that.
type Process struct {
	name    string
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

// Start launches spec with the given environment. Output is written to the
// rotating files configured in spec.Log, or discarded.
func Start(spec Spec, env []string) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	p := &Process{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	}

	if err := cmd.Start(); err != nil {
		p.closeLogs()
		return nil, err
	}
	p.started = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.closeLogs()
	close(p.done)
}

func (p *Process) closeLogs() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (p *Process) Name() string { return p.name }

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) StartedAt() time.Time { return p.started }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error reported by Wait, nil for a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends the graceful termination signal to the process group and
// escalates to a kill when the process has not exited within grace.
// It returns once the process has been reaped.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if err := terminate(p.PID()); err != nil && !p.Exited() {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		_ = kill(p.PID())
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	if err := kill(p.PID()); err != nil && !p.Exited() {
		return err
	}
	<-p.done
	return nil
}
