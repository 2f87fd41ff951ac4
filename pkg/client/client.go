// Package client is a Go client for the blobgate metrics REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blobgate/blobgate/pkg/control"
	"github.com/blobgate/blobgate/pkg/usage"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the metrics API of one blobgate instance.
type Client struct {
	baseURL  string
	token    string
	hc       *http.Client
	backoffs []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithBackoffs sets the retry schedule. An empty schedule disables retries.
func WithBackoffs(b []time.Duration) Option {
	return func(c *Client) { c.backoffs = b }
}

// New creates a client for the server at baseURL (e.g. http://localhost:8080).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hc:       &http.Client{Timeout: 60 * time.Second},
		backoffs: defaultBackoffs,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Top returns the most accessed files. limit <= 0 uses the server default.
func (c *Client) Top(ctx context.Context, limit int, container string) ([]usage.MetricEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setIf(q, "container", container)
	var out []usage.MetricEntry
	if err := c.getJSON(ctx, "/api/v1/metrics/top", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Containers returns per-container totals.
func (c *Client) Containers(ctx context.Context) ([]control.ContainerStat, error) {
	var out []control.ContainerStat
	if err := c.getJSON(ctx, "/api/v1/metrics/containers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary returns global or per-container summary statistics.
func (c *Client) Summary(ctx context.Context, container string) (*control.Summary, error) {
	q := url.Values{}
	setIf(q, "container", container)
	var out control.Summary
	if err := c.getJSON(ctx, "/api/v1/metrics/summary", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Range returns entries last accessed in [start, end]. Dates are
// YYYY-MM-DD or RFC 3339; an empty end means now.
func (c *Client) Range(ctx context.Context, start, end, container string) ([]usage.MetricEntry, error) {
	q := url.Values{}
	q.Set("start", start)
	setIf(q, "end", end)
	setIf(q, "container", container)
	var out []usage.MetricEntry
	if err := c.getJSON(ctx, "/api/v1/metrics/range", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// File returns the entry for one object.
func (c *Client) File(ctx context.Context, container, blob string) (*usage.MetricEntry, error) {
	p := "/api/v1/metrics/files/" + url.PathEscape(container) + "/" + escapeBlob(blob)
	var out usage.MetricEntry
	if err := c.getJSON(ctx, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportOptions selects what Export returns.
type ExportOptions struct {
	Format    string // json, csv or parquet
	Container string
	Start     string
	End       string
}

// Export streams an export document to w.
func (c *Client) Export(ctx context.Context, opts ExportOptions, w io.Writer) error {
	q := url.Values{}
	setIf(q, "format", opts.Format)
	setIf(q, "container", opts.Container)
	setIf(q, "start", opts.Start)
	setIf(q, "end", opts.End)
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/metrics/export", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("client.Export: %w", err)
	}
	return nil
}

// Import merges a JSON or parquet export read from r into the server's
// metrics and returns the number of entries merged.
func (c *Client) Import(ctx context.Context, format string, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("client.Import: %w", err)
	}
	q := url.Values{}
	setIf(q, "format", format)
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/metrics/import", q, data)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var res control.ImportResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, fmt.Errorf("client.Import: decode: %w", err)
	}
	return res.Imported, nil
}

// Persist forces pending events into the store.
func (c *Client) Persist(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/api/v1/metrics/persist")
}

// Clear deletes every metric entry. The server refuses in production.
func (c *Client) Clear(ctx context.Context) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/metrics")
}

func (c *Client) send(ctx context.Context, method, path string) error {
	resp, err := c.do(ctx, method, path, nil, nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

// do sends a request and converts non-2xx responses to *APIError. A non-nil
// body is sent as application/octet-stream and replayed on retry.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doWithRetry(c.hc, req, c.backoffs)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &msg) != nil || msg.Error == "" {
		msg.Error = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg.Error}
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

func setIf(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

// escapeBlob escapes each path segment and keeps the separators.
func escapeBlob(blob string) string {
	parts := strings.Split(blob, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
