package websocket_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochbus/internal/node"
	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/strategy"
	"github.com/snehjoshi/epochbus/internal/transport"
	"github.com/snehjoshi/epochbus/internal/transport/websocket"
	"github.com/snehjoshi/epochbus/internal/types"
)

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) consume(_ context.Context, msg types.Message) error {
	c.mu.Lock()
	c.ids = append(c.ids, msg.(*types.Envelope).ID)
	c.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*websocket.Handler, *httptest.Server, *scheduler.Scheduler, *collector) {
	t.Helper()
	c := &collector{}
	sched, err := scheduler.New("ws-test", c.consume, strategy.NewSerial())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop() })

	n, err := node.New(t.TempDir(), "auto")
	require.NoError(t, err)

	h := websocket.NewHandler(transport.NewIngress(sched, n, nil), slog.Default())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv, sched, c
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocket_PublishesFramesInOrder(t *testing.T) {
	_, srv, sched, c := setup(t)
	conn := dial(t, srv)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, conn.WriteJSON(websocket.ClientFrame{
			Ref:     fmt.Sprint(i),
			Request: transport.Request{Affinity: "orders", Label: "order.created"},
		}))
	}

	acked := make([]string, n)
	for i := 0; i < n; i++ {
		var reply websocket.ServerFrame
		require.NoError(t, conn.ReadJSON(&reply))
		require.Equal(t, "ack", reply.Type, reply.Error)
		assert.Equal(t, fmt.Sprint(i), reply.Ref)
		acked[i] = reply.ID
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.ids) == n
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, sched.Stop())
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, acked, c.ids)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	_, srv, _, _ := setup(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	var reply websocket.ServerFrame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "invalid json")

	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Ref: "r1", Request: transport.Request{Affinity: "a"}}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "r1", reply.Ref)
	assert.Contains(t, reply.Error, "label")
}

func TestWebSocket_CrossOriginRejected(t *testing.T) {
	_, srv, _, _ := setup(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	h, srv, _, _ := setup(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool { return h.Open() == 1 }, time.Second, 5*time.Millisecond)
	h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return h.Open() == 0 }, time.Second, 5*time.Millisecond)
}
