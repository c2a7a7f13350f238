package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultBeaconPort is the UDP port agents announce themselves on.
const DefaultBeaconPort = 47800

// Beacon is the datagram an agent broadcasts on the local network.
type Beacon struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
	APIPort  int    `json:"apiPort"`
}

// BeaconScanner listens for agent beacons. Scan reports the senders heard
// from within TTL.
type BeaconScanner struct {
	Addr   string
	TTL    time.Duration
	Logger *slog.Logger

	once    sync.Once
	openErr error
	conn    net.PacketConn

	mu   sync.Mutex
	seen map[string]seenBeacon
}

type seenBeacon struct {
	found Found
	at    time.Time
}

func NewBeaconScanner(addr string, ttl time.Duration) *BeaconScanner {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BeaconScanner{Addr: addr, TTL: ttl, seen: make(map[string]seenBeacon)}
}

func (s *BeaconScanner) Name() string { return MethodLAN }

// Scan starts the listener on first use.
func (s *BeaconScanner) Scan(ctx context.Context) ([]Found, error) {
	s.once.Do(func() {
		s.conn, s.openErr = net.ListenPacket("udp", s.Addr)
		if s.openErr == nil {
			go s.listen()
		}
	})
	if s.openErr != nil {
		return nil, s.openErr
	}
	cutoff := time.Now().Add(-s.TTL)
	s.mu.Lock()
	var out []Found
	for k, b := range s.seen {
		if b.at.Before(cutoff) {
			delete(s.seen, k)
			continue
		}
		out = append(out, b.found)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, ctx.Err()
}

// LocalAddr returns the bound listener address, nil before the first Scan.
func (s *BeaconScanner) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *BeaconScanner) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *BeaconScanner) listen() {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && s.Logger != nil {
				s.Logger.Warn("beacon listener stopped", "error", err)
			}
			return
		}
		var b Beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Name == "" {
			continue
		}
		host, _, err := net.SplitHostPort(from.String())
		if err != nil {
			continue
		}
		f := Found{Address: host, Name: b.Name, Platform: b.Platform, Version: b.Version, Method: MethodLAN}
		if b.APIPort > 0 {
			f.APIURL = "http://" + net.JoinHostPort(host, strconv.Itoa(b.APIPort))
		}
		s.mu.Lock()
		s.seen[host] = seenBeacon{found: f, at: time.Now()}
		s.mu.Unlock()
	}
}

// Announce sends b to target every interval until ctx is done.
func Announce(ctx context.Context, target string, b Beacon, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		_, _ = conn.Write(payload)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
