package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *atomic.Bool, string) {
	t.Helper()
	paused := &atomic.Bool{}
	hub := NewHub(paused, func() interface{} {
		return map[string]interface{}{"paused": paused.Load()}
	}, time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return hub, paused, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, _, url := newTestHub(t)
	first := dial(t, url)
	second := dial(t, url)
	waitForClients(t, hub, 2)

	hub.Broadcast(EventCapacityUpdated, map[string]string{"date": "2026-01-23"})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, EventCapacityUpdated, msg.Type)
		assert.Equal(t, map[string]interface{}{"date": "2026-01-23"}, msg.Data)
	}
}

func TestPingPong(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))

	assert.Equal(t, EventPong, readMessage(t, conn).Type)
}

func TestRefreshRepliesWithStatus(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "refresh"}))

	msg := readMessage(t, conn)
	assert.Equal(t, EventUpdateStatus, msg.Type)
	assert.Equal(t, map[string]interface{}{"paused": false}, msg.Data)
}

func TestTogglePause(t *testing.T) {
	hub, paused, url := newTestHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "togglePause"}))

	msg := readMessage(t, conn)
	assert.Equal(t, EventUpdateStatus, msg.Type)
	assert.Equal(t, map[string]interface{}{"paused": true}, msg.Data)
	assert.True(t, paused.Load())
	assert.True(t, hub.Paused())

	require.NoError(t, conn.WriteJSON(Message{Type: "togglePause"}))
	readMessage(t, conn)
	assert.False(t, paused.Load())
}

func TestDisconnectedClientIsReclaimed(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	survivor := dial(t, url)
	waitForClients(t, hub, 2)

	conn.Close()
	waitForClients(t, hub, 1)

	// The surviving client still receives broadcasts.
	hub.Broadcast(EventTasksUpdated, nil)
	assert.Equal(t, EventTasksUpdated, readMessage(t, survivor).Type)
}

func TestUnknownClientFrameIgnored(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "mystery"}))
	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))

	// The unknown frame produced no reply; the ping did.
	assert.Equal(t, EventPong, readMessage(t, conn).Type)
}
