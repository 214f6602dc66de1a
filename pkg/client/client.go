// Package client is the Go SDK for the EpochBus HTTP producer.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
//
//	// Ordered relative to every other "orders" message
//	id, err := c.Publish(ctx, "order.created", body, client.WithAffinity("orders"))
//
//	// No ordering at all
//	id, err := c.Publish(ctx, "audit.ping", nil, client.Unordered())
//
//	// Many messages over one WebSocket
//	s, err := c.Stream(ctx)
//	defer s.Close()
//	id, err := s.Publish("order.paid", body, client.WithAffinity("orders"))
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code.
//
// Client is safe for concurrent use and shares one http.Client.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxBatch mirrors the server's batch limit.
const MaxBatch = 100

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochbus: server returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the X-Api-Key header sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Publish options ──────────────────────────────────────────────────────────

// PublishOption configures a single message.
type PublishOption func(*Message)

// WithAffinity orders the message relative to every other message published
// with the same name.
func WithAffinity(name string) PublishOption {
	return func(m *Message) { m.Affinity = name }
}

// Unordered publishes the message with no synchronization at all.
func Unordered() PublishOption {
	return func(m *Message) { m.Unordered = true }
}

// WithMetadata attaches key/value pairs to the message.
func WithMetadata(md map[string]string) PublishOption {
	return func(m *Message) { m.Metadata = md }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is one message to publish. An empty Affinity with Unordered unset
// means the server's default ("unknown") affinity.
type Message struct {
	Label     string
	Body      []byte
	Affinity  string
	Unordered bool
	Metadata  map[string]string
}

// NewMessage builds a Message from a label, body and options.
func NewMessage(label string, body []byte, opts ...PublishOption) Message {
	m := Message{Label: label, Body: body}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
}

// Stats is a point-in-time view of the server's scheduler.
type Stats struct {
	NodeID    string `json:"node_id"`
	Scheduler string `json:"scheduler"`
	Strategy  string `json:"strategy"`
	InFlight  int64  `json:"in_flight"`
	Stopping  bool   `json:"stopping"`
	Streams   int    `json:"streams"`
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EpochBus API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish sends one message and returns the ID the server assigned. The
// server acknowledges on acceptance, not on processing.
func (c *Client) Publish(ctx context.Context, label string, body []byte, opts ...PublishOption) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", toWire(NewMessage(label, body, opts...)), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PublishBatch sends up to MaxBatch messages in one request. The server
// validates all of them before publishing any, and publishes them in order.
func (c *Client) PublishBatch(ctx context.Context, msgs []Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxBatch {
		return nil, fmt.Errorf("epochbus: batch of %d exceeds %d", len(msgs), MaxBatch)
	}
	req := struct {
		Messages []wireMessage `json:"messages"`
	}{Messages: make([]wireMessage, len(msgs))}
	for i, m := range msgs {
		req.Messages[i] = toWire(m)
	}

	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages/batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Stats returns the scheduler state.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health returns the node's health. A stopping node answers with an
// *APIError carrying status 503.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var raw struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &raw); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  raw.Status,
		NodeID:  raw.NodeID,
		Uptime:  time.Duration(raw.UptimeMs) * time.Millisecond,
		Version: raw.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request. body is encoded as JSON when non-nil and
// resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochbus: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochbus: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochbus: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochbus: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Status
		}
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochbus: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireMessage struct {
	Affinity  string            `json:"affinity,omitempty"`
	Unordered bool              `json:"unordered,omitempty"`
	Label     string            `json:"label"`
	Body      string            `json:"body,omitempty"` // base64
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toWire(m Message) wireMessage {
	w := wireMessage{
		Affinity:  m.Affinity,
		Unordered: m.Unordered,
		Label:     m.Label,
		Metadata:  m.Metadata,
	}
	if len(m.Body) > 0 {
		w.Body = base64.StdEncoding.EncodeToString(m.Body)
	}
	return w
}
