// Package opensearch indexes fleet history events into OpenSearch or
// Elasticsearch over the document REST API.
package opensearch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetr/internal/history"
)

const defaultTimeout = 5 * time.Second

type Options struct {
	// URL is the cluster base, e.g. https://search:9200.
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes each event as one document. Document ids are derived from
// the event, so a resent event overwrites its earlier copy.
type Sink struct {
	client *http.Client
	base   string
	index  string
	user   string
	pass   string
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Sink{
		client: &http.Client{Timeout: opts.Timeout},
		base:   strings.TrimRight(opts.URL, "/"),
		index:  opts.Index,
		user:   opts.Username,
		pass:   opts.Password,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.base + "/" + url.PathEscape(s.index) + "/_doc/" + DocumentID(e)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// DocumentID hashes the identifying fields of e.
func DocumentID(e history.Event) string {
	h := sha1.New()
	_, _ = fmt.Fprintf(h, "%s|%d|%s|%s|%s", e.Type, e.OccurredAt.UnixNano(), e.HostID, e.Subject, e.Status)
	return hex.EncodeToString(h.Sum(nil))
}
