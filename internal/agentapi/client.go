package agentapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls an agent's side-channel API.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration, tlsCfg *tls.Config) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		tr.TLSClientConfig = tlsCfg
	}
	return &Client{http: &http.Client{Timeout: timeout, Transport: tr}}
}

// WorkerAction invokes start, stop or restart on the agent at baseURL and
// returns the raw JSON worker snapshot.
func (c *Client) WorkerAction(ctx context.Context, baseURL, token, worker, action string) (json.RawMessage, error) {
	return c.post(ctx, baseURL, token, "/workers/"+url.PathEscape(worker)+"/"+action)
}

// Connect asks the agent to open its session to the orchestrator.
func (c *Client) Connect(ctx context.Context, baseURL, token string) error {
	_, err := c.post(ctx, baseURL, token, "/connect")
	return err
}

// Disconnect asks the agent to close its session.
func (c *Client) Disconnect(ctx context.Context, baseURL, token string) error {
	_, err := c.post(ctx, baseURL, token, "/disconnect")
	return err
}

// Health returns nil when the agent API answers /health with 200.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent api %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, baseURL, token, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResp
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("agent api %s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("agent api %s", resp.Status)
	}
	return body, nil
}
