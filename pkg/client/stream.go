package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Stream publishes over a single WebSocket connection. Messages sent on one
// Stream are published in send order. Publish calls are serialized.
type Stream struct {
	conn *websocket.Conn

	mu  sync.Mutex
	ref uint64
}

type streamFrame struct {
	Ref string `json:"ref"`
	wireMessage
}

type streamReply struct {
	Type  string `json:"type"`
	Ref   string `json:"ref"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Stream opens a WebSocket to the server's /v1/ws endpoint.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/ws"
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("epochbus: dial %s: %w", url, err)
	}
	return &Stream{conn: conn}, nil
}

// Publish sends one message and waits for the server's acknowledgement.
func (s *Stream) Publish(label string, body []byte, opts ...PublishOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ref++
	ref := strconv.FormatUint(s.ref, 10)
	if err := s.conn.WriteJSON(streamFrame{Ref: ref, wireMessage: toWire(NewMessage(label, body, opts...))}); err != nil {
		return "", fmt.Errorf("epochbus: stream write: %w", err)
	}

	var reply streamReply
	if err := s.conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("epochbus: stream read: %w", err)
	}
	if reply.Ref != ref {
		return "", fmt.Errorf("epochbus: stream reply for %q, want %q", reply.Ref, ref)
	}
	if reply.Type != "ack" {
		return "", &APIError{StatusCode: http.StatusBadRequest, Message: reply.Error}
	}
	return reply.ID, nil
}

// Close sends a normal close frame and closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
