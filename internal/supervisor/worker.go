package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/process"
)

// worker is the supervisor's record of one managed process. Fields other
// than op are guarded by Supervisor.mu; op serializes start/stop/restart.
type worker struct {
	op sync.Mutex

	name          string
	spec          process.Spec
	status        Status
	handle        Handle
	startedAt     time.Time
	lastError     string
	restartCount  int
	lastRestartAt time.Time
	restartTimer  *clock.Timer
	// gen advances on every manual operation; a restart timer only acts
	// when the generation it captured is still current.
	gen uint64
}

// manual cancels any pending auto-restart. Caller holds Supervisor.mu.
func (w *worker) manual() {
	w.gen++
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
}

func (w *worker) snapshot() Snapshot {
	snap := Snapshot{
		Name:         w.name,
		Status:       w.status,
		LastError:    w.lastError,
		RestartCount: w.restartCount,
	}
	if w.handle != nil && (w.status == StatusStarting || w.status == StatusRunning) {
		snap.PID = w.handle.PID()
		t := w.startedAt
		snap.StartedAt = &t
	}
	return snap
}

// setStatusLocked records a transition and notifies subscribers.
func (s *Supervisor) setStatusLocked(w *worker, to Status) {
	from := w.status
	if from == to {
		return
	}
	w.status = to
	metrics.RecordStateTransition(w.name, string(from), string(to))
	s.emitLocked(Event{Name: w.name, From: from, To: to, Snapshot: w.snapshot()})
}

// startHeld launches the worker. Caller holds w.op.
func (s *Supervisor) startHeld(w *worker) error {
	s.mu.Lock()
	if w.handle != nil && w.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	spec := w.spec
	w.lastError = ""
	s.setStatusLocked(w, StatusStarting)
	s.mu.Unlock()

	h, err := s.launch(spec, s.env.Merge(spec.Env))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		w.lastError = err.Error()
		s.setStatusLocked(w, StatusError)
		s.logger.Error("worker start failed", "name", w.name, "error", err)
		return fmt.Errorf("start %s: %w", w.name, err)
	}
	w.handle = h
	w.startedAt = h.StartedAt()
	if w.startedAt.IsZero() {
		w.startedAt = s.clock.Now()
	}
	s.setStatusLocked(w, StatusRunning)
	metrics.IncWorkerStart(w.name)
	s.logger.Info("worker started", "name", w.name, "pid", h.PID())
	go s.monitor(w, h)
	return nil
}

// stopHeld marks the worker stopped before signaling it, so the exit is
// not treated as a crash, then waits for it to go away. Caller holds w.op.
func (s *Supervisor) stopHeld(w *worker) {
	s.mu.Lock()
	w.manual()
	w.restartCount = 0
	h := w.handle
	s.setStatusLocked(w, StatusStopped)
	s.mu.Unlock()
	if h == nil {
		return
	}

	if err := h.Stop(s.grace); err != nil {
		s.logger.Warn("worker stop", "name", w.name, "error", err)
	}
	metrics.IncWorkerStop(w.name)

	s.mu.Lock()
	if w.handle == h {
		w.handle = nil
	}
	s.mu.Unlock()
	s.logger.Info("worker stopped", "name", w.name)
}

// monitor waits for h to exit and hands the exit to onExit.
func (s *Supervisor) monitor(w *worker, h Handle) {
	<-h.Done()
	s.onExit(w, h, h.ExitErr())
}

func (s *Supervisor) onExit(w *worker, h Handle, exitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.handle != h {
		return
	}
	w.handle = nil
	if w.status != StatusRunning {
		return
	}
	msg := "process exited unexpectedly"
	if exitErr != nil {
		msg = exitErr.Error()
	}
	metrics.IncWorkerCrash(w.name)
	s.logger.Warn("worker exited unexpectedly", "name", w.name, "error", msg)
	s.failLocked(w, msg)
}

// failLocked marks the worker errored and schedules an auto-restart unless
// the restart budget is exhausted. Caller holds s.mu.
//
// The delay grows linearly (BaseRestartDelay × restartCount) even though
// the policy is often described as exponential backoff.
func (s *Supervisor) failLocked(w *worker, msg string) {
	w.lastError = msg
	s.setStatusLocked(w, StatusError)

	now := s.clock.Now()
	if w.restartCount >= MaxRestarts {
		if now.Sub(w.lastRestartAt) <= RestartWindow {
			s.logger.Error("worker restart budget exhausted, manual intervention required",
				"name", w.name, "restarts", w.restartCount)
			return
		}
		w.restartCount = 0
	}
	w.restartCount++
	w.lastRestartAt = now
	delay := BaseRestartDelay * time.Duration(w.restartCount)
	gen := w.gen
	s.logger.Info("scheduling worker restart", "name", w.name, "attempt", w.restartCount, "delay", delay)
	w.restartTimer = s.clock.AfterFunc(delay, func() { s.autoRestart(w, gen) })
}

func (s *Supervisor) autoRestart(w *worker, gen uint64) {
	w.op.Lock()
	defer w.op.Unlock()

	s.mu.Lock()
	if s.closed || s.workers[w.name] != w || w.gen != gen ||
		(w.status != StatusError && w.status != StatusStopped) {
		s.mu.Unlock()
		return
	}
	w.restartTimer = nil
	s.mu.Unlock()

	metrics.IncWorkerRestart(w.name)
	if err := s.startHeld(w); err != nil {
		s.mu.Lock()
		if w.gen == gen {
			s.failLocked(w, w.lastError)
		}
		s.mu.Unlock()
	}
}
