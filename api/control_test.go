package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func dialControlHub(t *testing.T, hub *ControlHub) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/control", hub.HandleConnection)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/control"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial control channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestControlDispatchAndEcho(t *testing.T) {
	hub := NewControlHub(testLogger(t))

	received := make(chan json.RawMessage, 1)
	hub.Register("PING", func(payload json.RawMessage) *models.ControlMessage {
		received <- payload
		return &models.ControlMessage{Type: "PONG", Payload: payload}
	})

	conn := dialControlHub(t, hub)

	msg := models.ControlMessage{Type: "PING", Payload: json.RawMessage(`{"n":1}`)}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"n":1}` {
			t.Errorf("handler payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var echo models.ControlMessage
	if err := conn.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo failed: %v", err)
	}
	if echo.Type != "PONG" {
		t.Errorf("echo type = %s, want PONG", echo.Type)
	}
}

func TestControlUnknownMessageIgnored(t *testing.T) {
	hub := NewControlHub(testLogger(t))

	handled := make(chan struct{}, 1)
	hub.Register("KNOWN", func(json.RawMessage) *models.ControlMessage {
		handled <- struct{}{}
		return nil
	})

	conn := dialControlHub(t, hub)

	// An unknown type must not kill the connection; a following known
	// message still dispatches.
	if err := conn.WriteJSON(models.ControlMessage{Type: "MYSTERY"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteJSON(models.ControlMessage{Type: "KNOWN"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive unknown message")
	}
}

func TestControlBroadcast(t *testing.T) {
	hub := NewControlHub(testLogger(t))
	conn := dialControlHub(t, hub)

	// Wait for the server side to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(models.ControlMessage{Type: models.MsgBackgroundSync})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.ControlMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != models.MsgBackgroundSync {
		t.Errorf("broadcast type = %s, want %s", msg.Type, models.MsgBackgroundSync)
	}
}
