// Package client is a typed HTTP client for the fleetr orchestrator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	fleetrtls "github.com/loykin/fleetr/internal/tls"
)

const maxBody = 4 << 20

// Client provides HTTP client functionality to communicate with the orchestrator
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// Token is sent as a bearer token when auth is enabled on the server.
	Token    string
	CAFile   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// New creates a new orchestrator API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	tlsCfg, err := fleetrtls.ClientConfig(config.CAFile, config.Insecure)
	if err != nil {
		return nil, fmt.Errorf("TLS setup failed: %w", err)
	}
	if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// SetToken replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) { c.token = token }

// IsReachable checks if the orchestrator is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("orchestrator unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Login exchanges client credentials for a bearer token and keeps it.
func (c *Client) Login(ctx context.Context, clientID, secret string) (Token, error) {
	var t Token
	body := map[string]string{"client_id": clientID, "client_secret": secret}
	if err := c.do(ctx, http.MethodPost, "/auth/token", body, &t); err != nil {
		return Token{}, err
	}
	c.token = t.Value
	return t, nil
}

func (c *Client) Hosts(ctx context.Context) ([]Host, error) {
	var hs []Host
	err := c.do(ctx, http.MethodGet, "/hosts", nil, &hs)
	return hs, err
}

func (c *Client) OnlineHosts(ctx context.Context) ([]Host, error) {
	var hs []Host
	err := c.do(ctx, http.MethodGet, "/hosts/online", nil, &hs)
	return hs, err
}

func (c *Client) Host(ctx context.Context, id string) (Host, error) {
	var h Host
	err := c.do(ctx, http.MethodGet, "/hosts/"+url.PathEscape(id), nil, &h)
	return h, err
}

func (c *Client) RegisterHost(ctx context.Context, req RegisterRequest) (Host, error) {
	var h Host
	err := c.do(ctx, http.MethodPost, "/hosts", req, &h)
	return h, err
}

func (c *Client) RemoveHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/hosts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ConnectHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/hosts/"+url.PathEscape(id)+"/connect", nil, nil)
}

func (c *Client) DisconnectHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/hosts/"+url.PathEscape(id)+"/disconnect", nil, nil)
}

// WorkerAction starts, stops or restarts a worker. With wait > 0 the server
// holds the request until the agent answers or wait elapses.
func (c *Client) WorkerAction(ctx context.Context, hostID, worker, action string, wait time.Duration) (Command, error) {
	p := fmt.Sprintf("/hosts/%s/workers/%s/%s%s", url.PathEscape(hostID), url.PathEscape(worker), url.PathEscape(action), waitQuery(wait))
	return c.command(ctx, http.MethodPost, p, nil)
}

func (c *Client) IssueCommand(ctx context.Context, hostID, cmdType string, params json.RawMessage, wait time.Duration) (Command, error) {
	body := struct {
		Type   string          `json:"type"`
		Params json.RawMessage `json:"params,omitempty"`
	}{cmdType, params}
	p := "/hosts/" + url.PathEscape(hostID) + "/commands" + waitQuery(wait)
	return c.command(ctx, http.MethodPost, p, body)
}

// Commands lists commands, optionally for one host.
func (c *Client) Commands(ctx context.Context, hostID string) ([]Command, error) {
	p := "/commands"
	if hostID != "" {
		p += "?host=" + url.QueryEscape(hostID)
	}
	var cmds []Command
	err := c.do(ctx, http.MethodGet, p, nil, &cmds)
	return cmds, err
}

func (c *Client) Command(ctx context.Context, id string, wait time.Duration) (Command, error) {
	var cmd Command
	err := c.do(ctx, http.MethodGet, "/commands/"+url.PathEscape(id)+waitQuery(wait), nil, &cmd)
	return cmd, err
}

// StartDiscovery starts periodic scanning; a zero interval uses the server default.
func (c *Client) StartDiscovery(ctx context.Context, interval time.Duration) error {
	body := map[string]string{}
	if interval > 0 {
		body["interval"] = interval.String()
	}
	return c.do(ctx, http.MethodPost, "/discovery/start", body, nil)
}

func (c *Client) StopDiscovery(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/discovery/stop", nil, nil)
}

func (c *Client) Discovered(ctx context.Context) ([]DiscoveredHost, error) {
	var ds []DiscoveredHost
	err := c.do(ctx, http.MethodGet, "/discovery/hosts", nil, &ds)
	return ds, err
}

func (c *Client) ScanDiscovery(ctx context.Context) ([]DiscoveredHost, error) {
	var ds []DiscoveredHost
	err := c.do(ctx, http.MethodPost, "/discovery/scan", nil, &ds)
	return ds, err
}

func (c *Client) PromoteDiscovered(ctx context.Context, address string) (Host, error) {
	var h Host
	err := c.do(ctx, http.MethodPost, "/discovery/promote", map[string]string{"address": address}, &h)
	return h, err
}

// InstallScript fetches the bootstrap script of the given kind (sh or ps1).
func (c *Client) InstallScript(ctx context.Context, kind, hostName string) ([]byte, error) {
	p := "/install/" + url.PathEscape(kind)
	if hostName != "" {
		p += "?name=" + url.QueryEscape(hostName)
	}
	resp, err := c.send(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

func waitQuery(wait time.Duration) string {
	if wait <= 0 {
		return ""
	}
	return "?wait=" + url.QueryEscape(wait.String())
}

// command decodes issue responses; a failed issue still carries the
// recorded command, which is returned with the error.
func (c *Client) command(ctx context.Context, method, path string, body any) (Command, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return Command{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Command{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var failed struct {
			Error   string   `json:"error"`
			Command *Command `json:"command"`
		}
		_ = json.Unmarshal(raw, &failed)
		apiErr := &APIError{Status: resp.StatusCode, Message: failed.Error}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if failed.Command != nil {
			return *failed.Command, apiErr
		}
		return Command{}, apiErr
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode response: %w", err)
	}
	return cmd, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		c.logger.Debug("API request failed", "method", method, "path", path, "error", err)
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
