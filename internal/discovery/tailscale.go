package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"tailscale.com/client/local"
	"tailscale.com/ipn/ipnstate"
)

// StatusSource is satisfied by *local.Client.
type StatusSource interface {
	Status(ctx context.Context) (*ipnstate.Status, error)
}

// TailscaleScanner lists online peers of the local tailscaled.
type TailscaleScanner struct {
	Source StatusSource
	// APIPort is the agent side-channel port assumed on every peer.
	APIPort int
	// HostPrefix limits results to peers whose hostname has this prefix.
	HostPrefix string
}

func NewTailscaleScanner(apiPort int, hostPrefix string) *TailscaleScanner {
	return &TailscaleScanner{Source: &local.Client{}, APIPort: apiPort, HostPrefix: hostPrefix}
}

func (s *TailscaleScanner) Name() string { return MethodTailscale }

func (s *TailscaleScanner) Scan(ctx context.Context) ([]Found, error) {
	st, err := s.Source.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("tailscale status: %w", err)
	}
	var out []Found
	for _, p := range st.Peer {
		if p == nil || !p.Online || len(p.TailscaleIPs) == 0 {
			continue
		}
		if s.HostPrefix != "" && !strings.HasPrefix(p.HostName, s.HostPrefix) {
			continue
		}
		ip := p.TailscaleIPs[0].String()
		f := Found{
			Address:  ip,
			Name:     p.HostName,
			Platform: p.OS,
			Method:   MethodTailscale,
		}
		if s.APIPort > 0 {
			f.APIURL = "http://" + net.JoinHostPort(ip, strconv.Itoa(s.APIPort))
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
