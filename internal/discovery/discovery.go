// Package discovery finds machines that run (or could run) a host agent.
package discovery

import "context"

// Discovery methods.
const (
	MethodTailscale = "tailscale"
	MethodLAN       = "lan"
)

// Found is one machine reported by a scanner.
type Found struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Version  string `json:"version,omitempty"`
	Method   string `json:"method"`
	// APIURL is the agent side-channel endpoint, when known.
	APIURL string `json:"apiUrl,omitempty"`
}

// Scanner produces the current set of reachable machines.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]Found, error)
}
