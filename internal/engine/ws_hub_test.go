package engine

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (h *WSHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	// Registration is asynchronous; keep broadcasting until the client
	// sees a message or the deadline passes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.Broadcast(WSMessage{Type: "position_opened", PositionID: "p1"})
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			if !strings.Contains(string(data), "position_opened") {
				t.Fatalf("unexpected message: %s", data)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("client never received a broadcast")
		}
	}
}

func TestWSHub_EvictsDeadClientDuringBroadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	alive := dialHub(t, srv)
	defer alive.Close()
	dead := dialHub(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Kill one client; the hub evicts it on the first failed write.
	dead.Close()
	for hub.clientCount() != 1 {
		hub.Broadcast(WSMessage{Type: "instruction_issued", PositionID: "p1"})
		if time.Now().After(deadline) {
			t.Fatal("dead client was never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The surviving client still receives broadcasts.
	hub.Broadcast(WSMessage{Type: "instruction_issued", PositionID: "p1"})
	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alive.ReadMessage(); err != nil {
		t.Fatalf("surviving client read: %v", err)
	}
}
