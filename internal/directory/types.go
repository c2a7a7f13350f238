package directory

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/loykin/fleetr/internal/protocol"
	"github.com/loykin/fleetr/internal/supervisor"
)

var (
	ErrHostNotFound      = errors.New("host not found")
	ErrHostUnreachable   = errors.New("host unreachable")
	ErrInvalidDescriptor = errors.New("host descriptor needs an id or a name")
	ErrCommandNotFound   = errors.New("command not found")
	ErrCommandNotPending = errors.New("command already finished")
	ErrInvalidAction     = errors.New("invalid worker action")
	ErrNoSideChannel     = errors.New("host has no side-channel api")
	ErrNotDiscovered     = errors.New("address not discovered")
	ErrNoScanners        = errors.New("no discovery scanners configured")
)

// Connectivity is the directory's view of a host's reachability.
type Connectivity string

const (
	StatusConnecting Connectivity = "connecting"
	StatusOnline     Connectivity = "online"
	StatusOffline    Connectivity = "offline"
	StatusError      Connectivity = "error"
)

type Network struct {
	Address string `json:"address,omitempty"`
	// Method is how the host was found: "agent", "manual", "tailscale" or "lan".
	Method string `json:"method,omitempty"`
	APIURL string `json:"apiUrl,omitempty"`
}

type Security struct {
	TLS      bool   `json:"tls"`
	AuthMode string `json:"authMode,omitempty"`
}

// Descriptor is what a host declares about itself at registration.
type Descriptor struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Network      Network  `json:"network"`
	Security     Security `json:"security"`
}

type HostRecord struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Platform     string                `json:"platform"`
	Version      string                `json:"version,omitempty"`
	Capabilities []string              `json:"capabilities,omitempty"`
	Network      Network               `json:"network"`
	Security     Security              `json:"security"`
	Resources    *protocol.Resources   `json:"resources,omitempty"`
	Workers      []supervisor.Snapshot `json:"workers"`
	Status       Connectivity          `json:"status"`
	LastSeen     time.Time             `json:"lastSeen"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

func (h *HostRecord) clone() HostRecord {
	c := *h
	c.Capabilities = append([]string(nil), h.Capabilities...)
	c.Workers = append([]supervisor.Snapshot{}, h.Workers...)
	if h.Resources != nil {
		r := *h.Resources
		c.Resources = &r
	}
	return c
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

func (s CommandStatus) terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// DeliveryPath records how a command reached its host.
type DeliveryPath string

const (
	PathTransport DeliveryPath = "transport"
	PathFallback  DeliveryPath = "fallback"
)

type Command struct {
	ID          string          `json:"id"`
	HostID      string          `json:"hostId"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      CommandStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Path        DeliveryPath    `json:"path,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// DiscoveredHost is an ephemeral scan result.
type DiscoveredHost struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform"`
	Version   string    `json:"version,omitempty"`
	Method    string    `json:"method"`
	APIURL    string    `json:"apiUrl,omitempty"`
	Connected bool      `json:"connected"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}
