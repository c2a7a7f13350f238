// Package supervisor owns the worker processes of a host agent: it starts,
// stops and restarts them and restarts crashed workers with a capped backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/env"
	"github.com/loykin/fleetr/internal/process"
)

// Options configures a Supervisor. Zero values select production defaults.
type Options struct {
	Env         *env.Env
	Clock       clock.Clock
	Logger      *slog.Logger
	Launcher    Launcher
	GracePeriod time.Duration
}

type Supervisor struct {
	env    *env.Env
	clock  clock.Clock
	logger *slog.Logger
	launch Launcher
	grace  time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		env:     opts.Env,
		clock:   opts.Clock,
		logger:  opts.Logger,
		launch:  opts.Launcher,
		grace:   opts.GracePeriod,
		workers: make(map[string]*worker),
		subs:    make(map[int]chan Event),
	}
	if s.env == nil {
		s.env = env.New()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.launch == nil {
		s.launch = launchProcess
	}
	if s.grace <= 0 {
		s.grace = process.DefaultGracePeriod
	}
	return s
}

// Configure registers worker specs, replacing the spec of workers that
// already exist, and starts the ones marked autostart.
func (s *Supervisor) Configure(specs []process.Spec) error {
	var errs []error
	var autostart []string
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if w, ok := s.workers[spec.Name]; ok {
			w.spec = spec
		} else {
			s.workers[spec.Name] = &worker{name: spec.Name, spec: spec, status: StatusStopped}
		}
		s.mu.Unlock()
		if spec.AutoStart {
			autostart = append(autostart, spec.Name)
		}
	}
	for _, name := range autostart {
		if err := s.Start(name); err != nil {
			errs = append(errs, fmt.Errorf("autostart %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Add registers a new worker at runtime.
func (s *Supervisor) Add(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.workers[spec.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, spec.Name)
	}
	s.workers[spec.Name] = &worker{name: spec.Name, spec: spec, status: StatusStopped}
	s.mu.Unlock()
	if spec.AutoStart {
		return s.Start(spec.Name)
	}
	return nil
}

// Remove stops the worker and forgets it.
func (s *Supervisor) Remove(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	w.op.Lock()
	defer w.op.Unlock()
	s.stopHeld(w)
	s.mu.Lock()
	if s.workers[name] == w {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	return nil
}

// Start launches the worker. Starting a running worker is a no-op. A manual
// start cancels any pending auto-restart and resets the restart counter.
func (s *Supervisor) Start(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	w.op.Lock()
	defer w.op.Unlock()
	s.mu.Lock()
	if w.handle != nil && w.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	w.manual()
	w.restartCount = 0
	s.mu.Unlock()
	return s.startHeld(w)
}

// Stop terminates the worker and resets its restart counter. It is
// idempotent and always leaves the worker stopped.
func (s *Supervisor) Stop(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	w.op.Lock()
	defer w.op.Unlock()
	s.stopHeld(w)
	return nil
}

// Restart is a manual stop followed by start with the restart counter reset.
func (s *Supervisor) Restart(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	w.op.Lock()
	defer w.op.Unlock()
	s.stopHeld(w)
	return s.startHeld(w)
}

func (s *Supervisor) Status(name string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return w.snapshot(), nil
}

// StatusAll returns snapshots of every worker ordered by name.
func (s *Supervisor) StatusAll() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns the configured launch specs ordered by name.
func (s *Supervisor) Specs() []process.Spec {
	s.mu.Lock()
	out := make([]process.Spec, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.spec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe returns a channel receiving status-change events and a cancel
// function. Events are dropped for subscribers whose buffer is full.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Shutdown stops every worker and cancels pending restarts. Further
// Configure/Add calls fail with ErrClosed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ws := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.op.Lock()
			defer w.op.Unlock()
			s.stopHeld(w)
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) get(name string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return w, nil
}

// emitLocked fans an event out to subscribers. Caller holds s.mu.
func (s *Supervisor) emitLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
