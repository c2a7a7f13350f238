package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/fleetr/internal/discovery"
)

const DefaultDiscoveryInterval = 30 * time.Second

type discoveryState struct {
	scanners    []discovery.Scanner
	autoConnect bool

	mu     sync.Mutex
	found  map[string]*DiscoveredHost
	cancel context.CancelFunc
	done   chan struct{}
}

// StartDiscovery scans immediately and then every interval until
// StopDiscovery. Starting twice is a no-op.
func (d *Directory) StartDiscovery(interval time.Duration) error {
	if len(d.disc.scanners) == 0 {
		return ErrNoScanners
	}
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	d.disc.mu.Lock()
	defer d.disc.mu.Unlock()
	if d.disc.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.disc.cancel = cancel
	d.disc.done = done

	go func() {
		defer close(done)
		t := d.clock.NewTicker(interval)
		defer t.Stop()
		d.ScanOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.ScanOnce(ctx)
			}
		}
	}()
	d.logger.Info("discovery started", "interval", interval, "scanners", len(d.disc.scanners))
	return nil
}

// StopDiscovery stops the scan loop and waits for it to exit.
func (d *Directory) StopDiscovery() {
	d.disc.mu.Lock()
	cancel, done := d.disc.cancel, d.disc.done
	d.disc.cancel, d.disc.done = nil, nil
	d.disc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("discovery stopped")
}

func (d *Directory) DiscoveryRunning() bool {
	d.disc.mu.Lock()
	defer d.disc.mu.Unlock()
	return d.disc.cancel != nil
}

// ScanOnce runs every scanner and merges results. New addresses are
// promoted when auto-connect is on. Scanner errors are logged.
func (d *Directory) ScanOnce(ctx context.Context) {
	now := d.clock.Now()
	var fresh []string
	for _, s := range d.disc.scanners {
		found, err := s.Scan(ctx)
		if err != nil {
			d.logger.Warn("discovery scan failed", "scanner", s.Name(), "error", err)
			continue
		}
		d.disc.mu.Lock()
		for _, f := range found {
			h, ok := d.disc.found[f.Address]
			if !ok {
				h = &DiscoveredHost{Address: f.Address, FirstSeen: now}
				d.disc.found[f.Address] = h
				fresh = append(fresh, f.Address)
			}
			h.Name = f.Name
			h.Platform = f.Platform
			h.Version = f.Version
			h.Method = f.Method
			h.APIURL = f.APIURL
			h.LastSeen = now
		}
		d.disc.mu.Unlock()
	}

	if !d.disc.autoConnect {
		return
	}
	for _, addr := range fresh {
		if _, err := d.PromoteDiscovered(ctx, addr); err != nil {
			d.logger.Warn("auto-connect failed", "address", addr, "error", err)
		}
	}
}

// Discovered lists scan results sorted by address. Connected reports whether
// a host record at that address is online.
func (d *Directory) Discovered() []DiscoveredHost {
	online := make(map[string]bool)
	for _, h := range d.OnlineHosts() {
		if h.Network.Address != "" {
			online[h.Network.Address] = true
		}
	}
	d.disc.mu.Lock()
	out := make([]DiscoveredHost, 0, len(d.disc.found))
	for _, h := range d.disc.found {
		c := *h
		c.Connected = online[c.Address]
		out = append(out, c)
	}
	d.disc.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PromoteDiscovered registers a discovered host and, when it advertises a
// side-channel API, asks it to connect.
func (d *Directory) PromoteDiscovered(ctx context.Context, address string) (HostRecord, error) {
	d.disc.mu.Lock()
	h, ok := d.disc.found[address]
	var found DiscoveredHost
	if ok {
		found = *h
	}
	d.disc.mu.Unlock()
	if !ok {
		return HostRecord{}, ErrNotDiscovered
	}

	d.mu.RLock()
	existing := d.lookupLocked(Descriptor{Name: found.Name, Platform: found.Platform})
	if existing != nil && existing.Status == StatusOnline {
		rec := existing.clone()
		d.mu.RUnlock()
		return rec, nil
	}
	d.mu.RUnlock()

	rec, err := d.RegisterHost(Descriptor{
		Name:     found.Name,
		Platform: found.Platform,
		Version:  found.Version,
		Network:  Network{Address: found.Address, Method: found.Method, APIURL: found.APIURL},
	})
	if err != nil {
		return HostRecord{}, err
	}
	if d.connector == nil || rec.Network.APIURL == "" {
		return rec, nil
	}
	if err := d.connector.Connect(ctx, rec); err != nil {
		d.MarkError(rec.ID)
		return rec, err
	}
	return rec, nil
}
