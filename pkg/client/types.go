package client

import (
	"encoding/json"
	"time"
)

// Host mirrors the orchestrator's host record.
type Host struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Platform     string         `json:"platform"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Network      Network        `json:"network"`
	Resources    *Resources     `json:"resources,omitempty"`
	Workers      []WorkerStatus `json:"workers"`
	Status       string         `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type Network struct {
	Address string `json:"address,omitempty"`
	Method  string `json:"method,omitempty"`
	APIURL  string `json:"apiUrl,omitempty"`
}

type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

type WorkerStatus struct {
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	RestartCount int        `json:"restartCount"`
}

// RegisterRequest declares a host ahead of its agent connecting.
type RegisterRequest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Platform string  `json:"platform"`
	Network  Network `json:"network"`
}

type Command struct {
	ID          string          `json:"id"`
	HostID      string          `json:"hostId"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Path        string          `json:"path,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type DiscoveredHost struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Version   string    `json:"version,omitempty"`
	Method    string    `json:"method"`
	APIURL    string    `json:"apiUrl,omitempty"`
	Connected bool      `json:"connected"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

type Health struct {
	Status string `json:"status"`
	Hosts  int    `json:"hosts"`
	Online int    `json:"online"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
