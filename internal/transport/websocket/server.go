// Package websocket provides streamed publishing over a WebSocket connection.
//
// Clients connect to GET /v1/ws and send one JSON frame per message:
//
//	{"ref":"c-1","affinity":"orders","label":"order.created","body":"<base64>"}
//
// Frames are published in the order they are read, so a single connection
// keeps its per-affinity order. The server answers every frame:
//
//	{"type":"ack","ref":"c-1","id":"<ULID>"}
//	{"type":"error","ref":"c-1","error":"..."}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochbus/internal/transport"
)

const (
	maxFrameBytes = 1 << 20
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

// ClientFrame is one publish request sent by the client.
type ClientFrame struct {
	// Ref is echoed back in the reply so clients can correlate acks.
	Ref string `json:"ref,omitempty"`
	transport.Request
}

// ServerFrame is the reply to one ClientFrame.
type ServerFrame struct {
	Type  string `json:"type"` // "ack" | "error"
	Ref   string `json:"ref,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Handler upgrades connections and publishes their frames through an Ingress.
type Handler struct {
	ingress  *transport.Ingress
	logger   *slog.Logger
	upgrader gorillaws.Upgrader

	mu     sync.Mutex
	conns  map[*gorillaws.Conn]struct{}
	closed bool
}

// NewHandler builds a Handler. Cross-origin browser upgrades are rejected;
// requests without an Origin header (native clients) are allowed.
func NewHandler(in *transport.Ingress, logger *slog.Logger) *Handler {
	return &Handler{
		ingress: in,
		logger:  logger,
		conns:   make(map[*gorillaws.Conn]struct{}),
		upgrader: gorillaws.Upgrader{
			CheckOrigin:     sameOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP upgrades the connection and runs its read loop until the client
// disconnects or Close is called.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	if !h.track(conn) {
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepalive(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		reply := h.handleFrame(raw)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (h *Handler) handleFrame(raw []byte) ServerFrame {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ServerFrame{Type: "error", Error: fmt.Sprintf("invalid json: %v", err)}
	}
	id, err := h.ingress.Publish("ws", f.Request)
	if err != nil {
		return ServerFrame{Type: "error", Ref: f.Ref, Error: err.Error()}
	}
	return ServerFrame{Type: "ack", Ref: f.Ref, ID: id}
}

func keepalive(conn *gorillaws.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) track(c *gorillaws.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *gorillaws.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.Close()
}

// Close sends a going-away close frame to every open connection and closes
// it. Connections upgraded afterwards are refused. http.Server.Shutdown does
// not reach hijacked connections, so the server calls this explicitly.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*gorillaws.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg := gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.Close()
	}
}

// Open returns the number of tracked connections.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
