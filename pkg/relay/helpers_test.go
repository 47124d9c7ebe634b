package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// websocketConnPair returns a connected server-side and client-side
// websocket pair backed by an httptest server.
func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}

// readEnvelope reads one JSON message from the client side of a pair.
func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// expectSilence asserts that no message arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	var msg json.RawMessage
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "expected no message, got %s", string(msg))
}

// writeEnvelope sends a JSON message from the client side of a pair.
func writeEnvelope(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
}

func participantUserIDs(t *testing.T, msg map[string]interface{}) []string {
	t.Helper()

	raw, ok := msg["participants"].([]interface{})
	require.True(t, ok, "message has no participants field: %v", msg)

	ids := make([]string, 0, len(raw))
	for _, p := range raw {
		entry, ok := p.(map[string]interface{})
		require.True(t, ok)
		ids = append(ids, entry["userId"].(string))
	}
	return ids
}
