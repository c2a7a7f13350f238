// Package directory is the orchestrator's stable store of hosts and the
// command issuance API. Host identity outlives any single agent connection;
// reachability is asked of the Transport on every command.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/fleetr/internal/clock"
	"github.com/loykin/fleetr/internal/discovery"
	"github.com/loykin/fleetr/internal/history"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Transport is the live connection layer. The registry implements it.
type Transport interface {
	IsOnline(hostID string) bool
	// Dispatch pushes a command under the given correlation id. It reports
	// false without error when the host has no live connection.
	Dispatch(hostID, commandID, cmdType string, params json.RawMessage) (bool, error)
	// Close drops the host's live connection, reporting whether one existed.
	Close(hostID, reason string) bool
}

type Options struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	History   *history.Publisher
	Fallback  Fallback
	Connector Connector

	// Timeout is how long a host may go unseen before the sweep marks it offline.
	Timeout       time.Duration
	SweepInterval time.Duration

	Scanners    []discovery.Scanner
	AutoConnect bool
}

type commandEntry struct {
	cmd  Command
	done chan struct{}
}

type Directory struct {
	mu       sync.RWMutex
	hosts    map[string]*HostRecord
	byKey    map[string]string
	commands map[string]*commandEntry

	transport Transport
	fallback  Fallback
	connector Connector
	history   *history.Publisher

	clock         clock.Clock
	logger        *slog.Logger
	timeout       time.Duration
	sweepInterval time.Duration

	disc discoveryState
}

func New(opts Options) *Directory {
	d := &Directory{
		hosts:         make(map[string]*HostRecord),
		byKey:         make(map[string]string),
		commands:      make(map[string]*commandEntry),
		fallback:      opts.Fallback,
		connector:     opts.Connector,
		history:       opts.History,
		clock:         opts.Clock,
		logger:        opts.Logger,
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}
	d.disc.scanners = opts.Scanners
	d.disc.autoConnect = opts.AutoConnect
	d.disc.found = make(map[string]*DiscoveredHost)
	return d
}

// SetTransport wires the live connection layer. The registry is built with a
// reference to the directory, so this is set after both exist.
func (d *Directory) SetTransport(t Transport) {
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
}

func identityKey(name, platform string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "/" + strings.ToLower(strings.TrimSpace(platform))
}

// RegisterHost creates or looks up a record by declared identity (explicit
// id first, then name+platform) and marks it connecting.
func (d *Directory) RegisterHost(desc Descriptor) (HostRecord, error) {
	if desc.ID == "" && strings.TrimSpace(desc.Name) == "" {
		return HostRecord{}, ErrInvalidDescriptor
	}
	now := d.clock.Now()

	d.mu.Lock()
	rec := d.lookupLocked(desc)
	created := rec == nil
	if created {
		id := desc.ID
		if id == "" {
			id = uuid.NewString()
		}
		rec = &HostRecord{ID: id, CreatedAt: now, Workers: []supervisor.Snapshot{}}
		d.hosts[id] = rec
	}
	if desc.Name != "" && (rec.Name != desc.Name || rec.Platform != desc.Platform) {
		if rec.Name != "" {
			delete(d.byKey, identityKey(rec.Name, rec.Platform))
		}
		rec.Name = desc.Name
		rec.Platform = desc.Platform
	}
	if rec.Name != "" {
		d.byKey[identityKey(rec.Name, rec.Platform)] = rec.ID
	}
	if desc.Version != "" {
		rec.Version = desc.Version
	}
	if desc.Capabilities != nil {
		rec.Capabilities = append([]string(nil), desc.Capabilities...)
	}
	mergeNetwork(&rec.Network, desc.Network)
	if desc.Security != (Security{}) {
		rec.Security = desc.Security
	}
	rec.Status = StatusConnecting
	rec.LastSeen = now
	rec.UpdatedAt = now
	out := rec.clone()
	d.mu.Unlock()

	d.logger.Info("host registered", "id", out.ID, "name", out.Name, "platform", out.Platform, "new", created)
	d.publish(history.Event{Type: history.EventHostRegistered, HostID: out.ID, HostName: out.Name, Status: string(out.Status)})
	return out, nil
}

func (d *Directory) lookupLocked(desc Descriptor) *HostRecord {
	if desc.ID != "" {
		if rec, ok := d.hosts[desc.ID]; ok {
			return rec
		}
	}
	if desc.Name != "" {
		if id, ok := d.byKey[identityKey(desc.Name, desc.Platform)]; ok {
			return d.hosts[id]
		}
	}
	return nil
}

func mergeNetwork(dst *Network, src Network) {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Method != "" {
		dst.Method = src.Method
	}
	if src.APIURL != "" {
		dst.APIURL = src.APIURL
	}
}

// UpdateHeartbeat stamps last-seen, stores the resource snapshot and brings
// the host online.
func (d *Directory) UpdateHeartbeat(hostID string, res protocol.Resources) error {
	now := d.clock.Now()
	d.mu.Lock()
	rec, ok := d.hosts[hostID]
	if !ok {
		d.mu.Unlock()
		return ErrHostNotFound
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Resources = &res
	rec.UpdatedAt = now
	wasOnline := rec.Status == StatusOnline
	rec.Status = StatusOnline
	name := rec.Name
	d.mu.Unlock()

	if !wasOnline {
		d.logger.Info("host online", "id", hostID, "name", name)
		d.publish(history.Event{Type: history.EventHostOnline, HostID: hostID, HostName: name, Status: string(StatusOnline)})
	}
	return nil
}

// UpdateWorkerStatus replaces the cached worker list wholesale.
func (d *Directory) UpdateWorkerStatus(hostID string, workers []supervisor.Snapshot) error {
	d.mu.Lock()
	rec, ok := d.hosts[hostID]
	if !ok {
		d.mu.Unlock()
		return ErrHostNotFound
	}
	prev := make(map[string]supervisor.Status, len(rec.Workers))
	for _, w := range rec.Workers {
		prev[w.Name] = w.Status
	}
	rec.Workers = append([]supervisor.Snapshot{}, workers...)
	rec.UpdatedAt = d.clock.Now()
	name := rec.Name
	d.mu.Unlock()

	for _, w := range workers {
		if old, ok := prev[w.Name]; ok && old == w.Status {
			continue
		}
		d.publish(history.Event{
			Type: history.EventWorkerState, HostID: hostID, HostName: name,
			Subject: w.Name, Status: string(w.Status), Detail: w.LastError,
		})
	}
	return nil
}

// MarkOffline is called when the host's connection goes away.
func (d *Directory) MarkOffline(hostID string) {
	d.setOffline(hostID, "disconnected")
}

func (d *Directory) setOffline(hostID, reason string) bool {
	d.mu.Lock()
	rec, ok := d.hosts[hostID]
	if !ok || rec.Status == StatusOffline {
		d.mu.Unlock()
		return false
	}
	rec.Status = StatusOffline
	rec.UpdatedAt = d.clock.Now()
	name := rec.Name
	d.mu.Unlock()

	d.logger.Info("host offline", "id", hostID, "name", name, "reason", reason)
	d.publish(history.Event{Type: history.EventHostOffline, HostID: hostID, HostName: name, Status: string(StatusOffline), Detail: reason})
	return true
}

// MarkError flags a host whose connection attempt failed.
func (d *Directory) MarkError(hostID string) {
	d.mu.Lock()
	if rec, ok := d.hosts[hostID]; ok {
		rec.Status = StatusError
		rec.UpdatedAt = d.clock.Now()
	}
	d.mu.Unlock()
}

func (d *Directory) GetHost(id string) (HostRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.hosts[id]
	if !ok {
		return HostRecord{}, ErrHostNotFound
	}
	return rec.clone(), nil
}

// ListHosts returns every host sorted by name, then id.
func (d *Directory) ListHosts() []HostRecord {
	return d.filterHosts(func(*HostRecord) bool { return true })
}

func (d *Directory) OnlineHosts() []HostRecord {
	return d.filterHosts(func(h *HostRecord) bool { return h.Status == StatusOnline })
}

func (d *Directory) filterHosts(keep func(*HostRecord) bool) []HostRecord {
	d.mu.RLock()
	out := make([]HostRecord, 0, len(d.hosts))
	for _, h := range d.hosts {
		if keep(h) {
			out = append(out, h.clone())
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveHost deletes the record and drops any live connection. Commands
// issued to the host are kept.
func (d *Directory) RemoveHost(id string) error {
	d.mu.Lock()
	rec, ok := d.hosts[id]
	if !ok {
		d.mu.Unlock()
		return ErrHostNotFound
	}
	delete(d.hosts, id)
	if rec.Name != "" && d.byKey[identityKey(rec.Name, rec.Platform)] == id {
		delete(d.byKey, identityKey(rec.Name, rec.Platform))
	}
	t := d.transport
	d.mu.Unlock()

	if t != nil {
		t.Close(id, "host removed")
	}
	d.publish(history.Event{Type: history.EventHostRemoved, HostID: id, HostName: rec.Name})
	return nil
}

// ConnectHost asks an unconnected host to dial in through its side channel.
func (d *Directory) ConnectHost(ctx context.Context, id string) error {
	rec, err := d.GetHost(id)
	if err != nil {
		return err
	}
	d.mu.RLock()
	t := d.transport
	d.mu.RUnlock()
	if t != nil && t.IsOnline(id) {
		return nil
	}
	if d.connector == nil || rec.Network.APIURL == "" {
		return ErrNoSideChannel
	}
	if err := d.connector.Connect(ctx, rec); err != nil {
		d.MarkError(id)
		return err
	}
	return nil
}

// DisconnectHost closes the host's session through its side channel when
// it has one, drops the live connection and marks the host offline.
func (d *Directory) DisconnectHost(ctx context.Context, id string) error {
	rec, err := d.GetHost(id)
	if err != nil {
		return err
	}
	if d.connector != nil && rec.Network.APIURL != "" {
		if err := d.connector.Disconnect(ctx, rec); err != nil {
			d.logger.Warn("side-channel disconnect failed", "id", id, "error", err)
		}
	}
	d.mu.RLock()
	t := d.transport
	d.mu.RUnlock()
	if t != nil {
		t.Close(id, "operator disconnect")
	}
	d.setOffline(id, "operator disconnect")
	return nil
}

// Sweep demotes hosts not seen within the timeout to offline and returns
// how many were demoted.
func (d *Directory) Sweep() int {
	now := d.clock.Now()
	var stale []string
	d.mu.RLock()
	for id, h := range d.hosts {
		if h.Status != StatusOffline && now.Sub(h.LastSeen) > d.timeout {
			stale = append(stale, id)
		}
	}
	d.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if d.setOffline(id, "heartbeat timeout") {
			n++
		}
	}
	d.reportHosts()
	return n
}

func (d *Directory) reportHosts() {
	counts := map[string]int{
		string(StatusConnecting): 0,
		string(StatusOnline):     0,
		string(StatusOffline):    0,
		string(StatusError):      0,
	}
	d.mu.RLock()
	for _, h := range d.hosts {
		counts[string(h.Status)]++
	}
	d.mu.RUnlock()
	metrics.SetHosts(counts)
}

// Start runs the health sweep until ctx is done.
func (d *Directory) Start(ctx context.Context) {
	t := d.clock.NewTicker(d.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := d.Sweep(); n > 0 {
				d.logger.Info("health sweep demoted hosts", "count", n)
			}
		}
	}
}

func (d *Directory) publish(e history.Event) {
	if d.history == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.clock.Now().UTC()
	}
	d.history.Publish(e)
}
