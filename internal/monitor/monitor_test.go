package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/metergateway/internal/models"
	"github.com/rs/zerolog"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// TestBroadcast tests that published events reach connected clients
func TestBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(zerolog.Nop())
	go h.Run(ctx)
	conn := dial(t, h)

	h.Publish(models.Event{Direction: models.DirectionOut, Line: "G>S:GTIME", At: time.Unix(0, 0).UTC()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Line != "G>S:GTIME" || ev.Direction != models.DirectionOut {
		t.Errorf("Expected the GTIME event, got %+v", ev)
	}
}

// TestCommandsFromClients tests that text typed by a client becomes a console line
func TestCommandsFromClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(zerolog.Nop())
	go h.Run(ctx)
	conn := dial(t, h)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("  DUMPG \n")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	select {
	case line := <-h.Commands():
		if line != "DUMPG" {
			t.Errorf("Expected DUMPG, got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	conn := dial(t, h)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if h.ClientCount() != 0 {
		t.Errorf("Expected clients dropped, got %d", h.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Errorf("Expected the connection to close")
	}
}
