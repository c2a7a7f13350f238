package discovery

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/types/key"
)

type fakeStatus struct {
	st  *ipnstate.Status
	err error
}

func (f fakeStatus) Status(context.Context) (*ipnstate.Status, error) { return f.st, f.err }

func TestTailscaleScannerFiltersPeers(t *testing.T) {
	st := &ipnstate.Status{Peer: map[key.NodePublic]*ipnstate.PeerStatus{
		key.NewNode().Public(): {HostName: "fleet-laptop", OS: "linux", Online: true,
			TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.2")}},
		key.NewNode().Public(): {HostName: "fleet-offline", OS: "windows", Online: false,
			TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.3")}},
		key.NewNode().Public(): {HostName: "phone", OS: "android", Online: true,
			TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.4")}},
	}}
	s := &TailscaleScanner{Source: fakeStatus{st: st}, APIPort: 7878, HostPrefix: "fleet-"}

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, Found{
		Address:  "100.64.0.2",
		Name:     "fleet-laptop",
		Platform: "linux",
		Method:   MethodTailscale,
		APIURL:   "http://100.64.0.2:7878",
	}, found[0])
}

func TestTailscaleScannerError(t *testing.T) {
	s := &TailscaleScanner{Source: fakeStatus{err: errors.New("tailscaled not running")}}
	_, err := s.Scan(context.Background())
	assert.ErrorContains(t, err, "tailscaled not running")
}

func TestBeaconRoundTrip(t *testing.T) {
	s := NewBeaconScanner("127.0.0.1:0", time.Minute)
	defer func() { _ = s.Close() }()
	_, err := s.Scan(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Announce(ctx, s.LocalAddr().String(), Beacon{Name: "laptop-1", Platform: "darwin", Version: "1", APIPort: 7878}, 20*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		found, _ := s.Scan(context.Background())
		return len(found) == 1
	}, 3*time.Second, 20*time.Millisecond)
	found, _ := s.Scan(context.Background())
	assert.Equal(t, "laptop-1", found[0].Name)
	assert.Equal(t, MethodLAN, found[0].Method)
	assert.Equal(t, "http://127.0.0.1:7878", found[0].APIURL)
}
