package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of fleet event.
type EventType string

const (
	EventHostRegistered   EventType = "host_registered"
	EventHostOnline       EventType = "host_online"
	EventHostOffline      EventType = "host_offline"
	EventHostRemoved      EventType = "host_removed"
	EventCommandSent      EventType = "command_sent"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventWorkerState      EventType = "worker_state"
)

// Event is a fleet event exported to external analytics systems.
// Subject carries a command id or worker name depending on Type.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	HostID     string    `json:"host_id"`
	HostName   string    `json:"host_name,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Status     string    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Publisher fans events out to sinks from a single background goroutine.
// Publish never blocks the caller; events are dropped when the queue is full.
type Publisher struct {
	sinks  []Sink
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewPublisher(logger *slog.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		sinks:  sinks,
		queue:  make(chan Event, defaultQueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish enqueues e. A nil Publisher discards events.
func (p *Publisher) Publish(e Event) {
	if p == nil || len(p.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("history queue full, dropping event", "type", e.Type, "host", e.HostID)
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for e := range p.queue {
		for _, s := range p.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
			if err := s.Send(ctx, e); err != nil {
				p.logger.Warn("history sink send failed", "type", e.Type, "host", e.HostID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	var firstErr error
	for _, s := range p.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
