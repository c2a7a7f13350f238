package auth

import (
	"time"
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodClientSecret AuthMethod = "client_secret" // client_id/client_secret
	AuthMethodJWT          AuthMethod = "jwt"           // JWT token
)

// Resources guarded by the operator API.
const (
	ResourceHosts     = "hosts"
	ResourceCommands  = "commands"
	ResourceDiscovery = "discovery"
	ResourceInstall   = "install"

	ActionRead  = "read"
	ActionWrite = "write"
)

// AuthResult represents the result of authentication
type AuthResult struct {
	Success  bool     `json:"success"`
	ClientID string   `json:"client_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST /auth/token. Method defaults to
// client_secret when omitted.
type LoginRequest struct {
	Method       AuthMethod `json:"method,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Token        string     `json:"token,omitempty"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}
