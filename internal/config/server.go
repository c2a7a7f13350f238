package config

import (
	"fmt"
	"time"

	"github.com/loykin/fleetr/internal/logger"
)

// DevToken is the agent token accepted when none is configured.
const DevToken = "fleetr-dev-token"

type ServerConfig struct {
	Server    HTTPConfig      `mapstructure:"server"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       logger.Config   `mapstructure:"log"`
}

type HTTPConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
	// PublicURL is the address agents use to reach this server; it is
	// embedded in install scripts. Derived from Listen when empty.
	PublicURL string `mapstructure:"public_url"`
}

type AgentsConfig struct {
	// Tokens accepts a TOML array or a comma-separated string.
	Tokens           []string      `mapstructure:"tokens"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`
	// APIToken is presented to agent side-channel APIs.
	APIToken string `mapstructure:"api_token"`
	// APITimeout bounds side-channel calls.
	APITimeout time.Duration `mapstructure:"api_timeout"`
	CAFile     string        `mapstructure:"ca_file"`
}

type DirectoryConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type DiscoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	AutoConnect bool          `mapstructure:"auto_connect"`
	Tailscale   bool          `mapstructure:"tailscale"`
	// AgentPort is the side-channel port assumed for tailscale peers.
	AgentPort  int    `mapstructure:"agent_port"`
	HostPrefix string `mapstructure:"host_prefix"`
	LAN        bool   `mapstructure:"lan"`
	LANListen  string `mapstructure:"lan_listen"`
	// LANTTL drops beacons not repeated within this window.
	LANTTL time.Duration `mapstructure:"lan_ttl"`
}

type HistoryConfig struct {
	// Sinks are DSNs: sqlite://, postgres://, clickhouse://, opensearch:// or a bare file path.
	Sinks []string `mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AuthConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	JWTSecret string         `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration  `mapstructure:"token_ttl"`
	Clients   []ClientConfig `mapstructure:"clients"`
}

// ClientConfig is an operator API client. SecretHash is a bcrypt hash.
type ClientConfig struct {
	ID         string   `mapstructure:"id"`
	SecretHash string   `mapstructure:"secret_hash"`
	Scopes     []string `mapstructure:"scopes"`
}

func serverDefaults() map[string]any {
	return map[string]any{
		"server.listen":            ":8080",
		"server.base_path":         "/api",
		"server.public_url":        "",
		"server.tls.enabled":       false,
		"agents.tokens":            []string{DevToken},
		"agents.heartbeat_timeout": "30s",
		"agents.sweep_interval":    "15s",
		"agents.auth_timeout":      "10s",
		"agents.api_token":         "",
		"agents.api_timeout":       "30s",
		"agents.ca_file":           "",
		"directory.timeout":        "30s",
		"directory.sweep_interval": "10s",
		"discovery.enabled":        false,
		"discovery.interval":       "30s",
		"discovery.auto_connect":   false,
		"discovery.tailscale":      true,
		"discovery.agent_port":     8090,
		"discovery.host_prefix":    "",
		"discovery.lan":            false,
		"discovery.lan_listen":     ":47800",
		"discovery.lan_ttl":        "1m",
		"history.sinks":            []string{},
		"metrics.enabled":          true,
		"auth.enabled":             false,
		"auth.jwt_secret":          "",
		"auth.token_ttl":           "1h",
		"log.level":                "info",
		"log.format":               "text",
	}
}

// LoadServer reads an orchestrator config. An empty path yields defaults
// plus environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	v, err := newViper(path, serverDefaults())
	if err != nil {
		return nil, err
	}
	var c ServerConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	c.Agents.Tokens = normalizeList(c.Agents.Tokens)
	if len(c.Agents.Tokens) == 0 {
		c.Agents.Tokens = []string{DevToken}
	}
	c.History.Sinks = normalizeList(c.History.Sinks)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// UsesDevToken reports whether the development default token is accepted.
func (c *ServerConfig) UsesDevToken() bool {
	for _, t := range c.Agents.Tokens {
		if t == DevToken {
			return true
		}
	}
	return false
}

func (c *ServerConfig) Validate() error {
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	for _, cl := range c.Auth.Clients {
		if cl.ID == "" || cl.SecretHash == "" {
			return fmt.Errorf("auth client needs id and secret_hash")
		}
	}
	if c.Agents.SweepInterval > c.Agents.HeartbeatTimeout {
		return fmt.Errorf("agents.sweep_interval %s exceeds heartbeat_timeout %s",
			c.Agents.SweepInterval, c.Agents.HeartbeatTimeout)
	}
	return nil
}
