// Package client is the HTTP client for a running memgraph server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
)

// Client talks to the memgraph server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL uses MEMGRAPH_URL, then
// DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("MEMGRAPH_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// send performs a request and returns the status code and raw body.
func (c *Client) send(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response %s: %w", path, err)
	}
	return resp.StatusCode, data, nil
}

// do sends a request and decodes a JSON response into out. Error responses
// come back as *apperr.Error with the server's kind.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	status, data, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeError(status, data)
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(data)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	kind := apperr.Kind(body.Kind)
	if kind == "" {
		return fmt.Errorf("status %d: %s", status, body.Error)
	}
	return apperr.New(kind, "server", "%s", body.Error)
}

// Health is the server's health report.
type Health struct {
	Status   string      `json:"status"`
	Halted   string      `json:"halted"`
	Version  string      `json:"version"`
	Uptime   float64     `json:"uptime"`
	Embedder string      `json:"embedder"`
	Stats    store.Stats `json:"stats"`
}

// Health fetches the health report. A halted server answers 503 with a
// report whose Status is "halted"; that is not an error here.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	status, data, err := c.send(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return h, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return h, decodeError(status, data)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Healthy checks if the server is reachable and its graph is not halted.
func (c *Client) Healthy(ctx context.Context) bool {
	h, err := c.Health(ctx)
	return err == nil && h.Status == "ok"
}

// Ingest stores one activity and returns its node id.
func (c *Client) Ingest(ctx context.Context, a engine.Activity) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/activities", a, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// BatchError reports one failed activity in a batch.
type BatchError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// BatchResult summarises a batch ingest.
type BatchResult struct {
	Ingested int          `json:"ingested"`
	IDs      []string     `json:"ids"`
	Errors   []BatchError `json:"errors"`
}

// IngestBatch stores activities in order; per-item failures are reported
// in the result, not as an error.
func (c *Client) IngestBatch(ctx context.Context, acts []engine.Activity) (BatchResult, error) {
	var r BatchResult
	err := c.do(ctx, http.MethodPost, "/api/activities/batch", map[string]any{"activities": acts}, &r)
	return r, err
}

// Query runs a ranked query.
func (c *Client) Query(ctx context.Context, q engine.QueryContext) ([]engine.Result, error) {
	var resp struct {
		Results []engine.Result `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/query", q, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Tick runs one maintenance pass on the server. A zero now uses the
// server's clock.
func (c *Client) Tick(ctx context.Context, now time.Time) (engine.TickReport, error) {
	var r engine.TickReport
	var in any
	if !now.IsZero() {
		in = map[string]time.Time{"now": now}
	}
	err := c.do(ctx, http.MethodPost, "/api/maintenance/tick", in, &r)
	return r, err
}

// Check runs the server's consistency check.
func (c *Client) Check(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/maintenance/check", nil, nil)
}

// Stats fetches graph counts.
func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st)
	return st, err
}

// NodeDetail is a node with its current score breakdown.
type NodeDetail struct {
	store.Node
	EmbeddingDims int              `json:"embedding_dims"`
	Score         engine.Breakdown `json:"score"`
}

// Node fetches one node.
func (c *Client) Node(ctx context.Context, id string) (NodeDetail, error) {
	var n NodeDetail
	err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(id), nil, &n)
	return n, err
}

// Neighbors fetches a node's edges, of one kind or both when kind is "".
func (c *Client) Neighbors(ctx context.Context, id string, kind store.EdgeKind) ([]store.Edge, error) {
	path := "/api/nodes/" + url.PathEscape(id) + "/neighbors"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var resp struct {
		Edges []store.Edge `json:"edges"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Edges, err
}

// Clusters lists session clusters overlapping [since, until). Zero bounds
// are open.
func (c *Client) Clusters(ctx context.Context, since, until time.Time) ([]store.Cluster, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.Format(time.RFC3339))
	}
	path := "/api/clusters"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Clusters []store.Cluster `json:"clusters"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Clusters, err
}

// Context fetches the markdown memory digest.
func (c *Client) Context(ctx context.Context, limit int) (string, error) {
	path := "/api/context"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var s string
	err := c.do(ctx, http.MethodGet, path, nil, &s)
	return s, err
}
