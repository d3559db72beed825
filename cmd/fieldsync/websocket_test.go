package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(HandleWebSocket(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// TestWSHub_broadcast verifies a connected client receives pushed events.
func TestWSHub_broadcast(t *testing.T) {
	hub := NewWSHub(nil)
	defer hub.Close()
	conn := dialHub(t, hub)

	hub.BroadcastStatus(models.SyncStatus{Connected: true, PendingOperations: 2})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventStatus, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, true, data["connected"])
	assert.EqualValues(t, 2, data["pending_operations"])
	assert.NotZero(t, msg["timestamp"])
}

// TestWSHub_subscribe verifies a subscription filters the events delivered.
func TestWSHub_subscribe(t *testing.T) {
	hub := NewWSHub(nil)
	defer hub.Close()
	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConflict},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastStatus(models.SyncStatus{})
	hub.BroadcastConflict(models.ConflictEvent{Path: "forms/form-42", Decision: "keep_remote"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventConflict, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "forms/form-42", data["path"])
}

// TestWSHub_drainEvents verifies drain reports are pushed with their error text.
func TestWSHub_drainEvents(t *testing.T) {
	hub := NewWSHub(nil)
	defer hub.Close()
	conn := dialHub(t, hub)

	hub.BroadcastDrainStarted("manual")
	started := readEnvelope(t, conn)
	assert.Equal(t, EventDrainStarted, started["type"])

	hub.BroadcastDrainCompleted(
		fsync.DrainReport{Queue: "operations", Applied: 1},
		fsync.DrainReport{Queue: "uploads", SessionInvalid: true, Err: assert.AnError},
	)
	done := readEnvelope(t, conn)
	assert.Equal(t, EventDrainCompleted, done["type"])
	data := done["data"].(map[string]interface{})
	uploads := data["uploads"].(map[string]interface{})
	assert.Equal(t, true, uploads["session_invalid"])
	assert.Equal(t, assert.AnError.Error(), uploads["error"])
}

// TestWSHub_ping verifies the ping action is answered.
func TestWSHub_ping(t *testing.T) {
	hub := NewWSHub(nil)
	defer hub.Close()
	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

// TestWSHub_Close verifies closing the hub disconnects clients.
func TestWSHub_Close(t *testing.T) {
	hub := NewWSHub(nil)
	conn := dialHub(t, hub)

	hub.Close()
	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Broadcasting after close must not block.
	hub.BroadcastStatus(models.SyncStatus{})
}

// TestLocalOrigin verifies only loopback pages may open a push connection.
func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8765", true},
		{"http://[::1]:8765", true},
		{"https://evil.example.com", false},
		{"http://192.168.1.20", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, localOrigin(r))
		})
	}
}
