package test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsClient wraps a test WebSocket connection. The write pump batches
// messages newline-separated, so reads are split and buffered.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending [][]byte
}

func dialWS(t *testing.T, e *env, clientID string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	header := http.Header{}
	if clientID != "" {
		header.Set("X-Client-ID", clientID)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg map[string]interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// next returns the next message within the timeout.
func (c *wsClient) next(timeout time.Duration) map[string]interface{} {
	c.t.Helper()

	if len(c.pending) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		_, payload, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		for _, part := range bytes.Split(payload, []byte{'\n'}) {
			if len(part) > 0 {
				c.pending = append(c.pending, part)
			}
		}
	}

	require.NotEmpty(c.t, c.pending)
	var msg map[string]interface{}
	require.NoError(c.t, json.Unmarshal(c.pending[0], &msg))
	c.pending = c.pending[1:]
	return msg
}

// nextOfType skips messages until one of the given type arrives.
func (c *wsClient) nextOfType(msgType string, timeout time.Duration) map[string]interface{} {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := c.next(time.Until(deadline))
		if msg["type"] == msgType {
			return msg
		}
	}
	c.t.Fatalf("no %q message within %s", msgType, timeout)
	return nil
}

func TestWebSocketSubscribeAck(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "ws-client")

	c.send(map[string]interface{}{"type": "subscribe", "channel": "sync"})

	ack := c.next(time.Second)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "subscribed", ack["ack"])
	assert.Equal(t, "sync", ack["channel"])
}

func TestWebSocketPing(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "")

	c.send(map[string]interface{}{"type": "ping"})

	ack := c.next(time.Second)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "pong", ack["ack"])
}

func TestWebSocketSubmitQueryCommand(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "ws-client")

	c.send(map[string]interface{}{
		"type": "cmd",
		"op":   "submitQuery",
		"id":   "msg-1",
		"data": map[string]interface{}{"text": "over the socket"},
	})

	resp := c.nextOfType("response", 2*time.Second)
	assert.Equal(t, "msg-1", resp["id"])

	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok)
	sub, ok := data["submission"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, sub["id"])
	assert.Equal(t, "ws-client", sub["clientId"])
}

func TestWebSocketSubmissionEvents(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "ws-client")

	// Watch the client channel before submitting so no event is missed.
	c.send(map[string]interface{}{"type": "subscribe", "channel": "client:ws-client"})
	ack := c.next(time.Second)
	require.Equal(t, "ack", ack["type"])

	c.send(map[string]interface{}{
		"type": "cmd",
		"op":   "submitQuery",
		"id":   "msg-2",
		"data": map[string]interface{}{"text": "watch me finish"},
	})

	// The fake upstream completes the query; a submission event with a
	// terminal status lands on the client channel.
	deadline := time.Now().Add(3 * time.Second)
	var sawCompleted bool
	for time.Now().Before(deadline) && !sawCompleted {
		msg := c.next(time.Until(deadline))
		if msg["status"] == "COMPLETED" {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted, "expected a COMPLETED submission event")
}

func TestWebSocketSyncStatusCommand(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "ws-client")

	c.send(map[string]interface{}{
		"type": "cmd",
		"op":   "syncStatus",
		"id":   "msg-3",
	})

	resp := c.nextOfType("response", 2*time.Second)
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), data["pending"])
}

func TestWebSocketUnknownCommand(t *testing.T) {
	e := newEnv(t)
	c := dialWS(t, e, "ws-client")

	c.send(map[string]interface{}{
		"type": "cmd",
		"op":   "selfDestruct",
		"id":   "msg-4",
	})

	errMsg := c.next(time.Second)
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "unknown_command", errMsg["code"])
}
