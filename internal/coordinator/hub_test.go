package coordinator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/failsafe/internal/cluster"
)

// wsURL converts a test server URL into a websocket URL for path.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// clientFrames dials the configuration channel and decodes every frame.
func clientFrames(t *testing.T, url string) (*websocket.Conn, <-chan cluster.MsgBody) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	frames := make(chan cluster.MsgBody, 100)
	go func() {
		defer close(frames)
		for {
			var msg cluster.MsgBody
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			frames <- msg
		}
	}()
	return ws, frames
}

// expectFrame waits for the next frame called name, skipping others.
func expectFrame(t *testing.T, frames <-chan cluster.MsgBody, name string) cluster.MsgBody {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-frames:
			require.True(t, ok, "connection closed while waiting for %s", name)
			if msg.Name == name {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s frame received", name)
		}
	}
}

// TestHubConfigurationChannel tests frames in both directions
func TestHubConfigurationChannel(t *testing.T) {
	var mu sync.Mutex
	var received []cluster.MsgBody
	hub := NewHub(func(msg cluster.MsgBody) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeConfiguration))
	defer srv.Close()
	defer hub.Close()

	ws, frames := clientFrames(t, wsURL(srv, "/configuration"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(cluster.MsgBody{Name: cluster.MsgHeartbeat, ID: "rc1"}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(cluster.MsgBody{Name: cluster.MsgPong, ID: "rc1", Token: "3"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, cluster.MsgPong, received[1].Name)
	mu.Unlock()

	hub.Broadcast(cluster.MsgBody{System: "system", Name: cluster.MsgPing, Token: "4"})
	msg := expectFrame(t, frames, cluster.MsgPing)
	assert.Equal(t, "4", msg.Token)

	ws.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

// TestHubNotifications tests the operator notification stream
func TestHubNotifications(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeNotifications))
	defer srv.Close()
	defer hub.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/notifications"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify("system", "Redis master 'a:1' not available")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Redis master 'a:1' not available", string(data))
}

// TestHubBroadcastNeverBlocks fills the queue of a client that does not read
func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeConfiguration))
	defer srv.Close()
	defer hub.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/configuration"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 64*1024)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*sendBuffer; i++ {
			hub.Broadcast(cluster.MsgBody{Name: cluster.MsgReconfigure, Server: payload})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked")
	}
}
