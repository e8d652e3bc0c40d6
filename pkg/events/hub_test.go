package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Count() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var msg EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_PublishDeliversInOrder(t *testing.T) {
	hub, url := setupTestHub(t)
	conn := dial(t, hub, url, 1)

	hub.Publish("session.created", map[string]interface{}{"contestId": "a"})
	hub.Publish("chunk.accepted", map[string]interface{}{"contestId": "a", "nextUpload": 1})

	first := readEvent(t, conn)
	second := readEvent(t, conn)

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "session.created", first.Event)
	assert.NotZero(t, first.Timestamp)
	assert.Equal(t, "chunk.accepted", second.Event)
	assert.Greater(t, second.Seq, first.Seq)

	data, ok := second.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), data["nextUpload"])
}

func TestHub_FanOut(t *testing.T) {
	hub, url := setupTestHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	hub.Publish("session.cleared", nil)

	assert.Equal(t, "session.cleared", readEvent(t, a).Event)
	assert.Equal(t, "session.cleared", readEvent(t, b).Event)
	assert.Len(t, hub.Clients(), 2)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub, _ := setupTestHub(t)
	assert.NotPanics(t, func() { hub.Publish("session.created", nil) })
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, url := setupTestHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CloseRejectsNewSubscribers(t *testing.T) {
	hub, url := setupTestHub(t)
	conn := dial(t, hub, url, 1)

	hub.Close()
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
