package targetmgr

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iastscan/iastscand/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClientCount(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d, got %d", n, hub.ClientCount())
}

func TestHubBroadcastReachesConnectedClient(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	waitForClientCount(t, hub, 1)

	hub.Broadcast(Event{Type: "target_started", Data: map[string]string{"scanner_id": "s-1"}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "target_started") {
		t.Fatalf("unexpected payload: %s", data)
	}
}

func TestHubNotifyFindingBroadcastsToAllClients(t *testing.T) {
	hub, srv := newTestHub(t)
	c1 := dial(t, srv)
	c2 := dial(t, srv)
	waitForClientCount(t, hub, 2)

	f := &store.Finding{PluginName: "sql_basic", Description: "SQL injection"}
	hub.NotifyFinding("example.com:80", "sql_basic", f)

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(data), "sql_basic") || !strings.Contains(string(data), "finding") {
			t.Fatalf("unexpected payload: %s", data)
		}
	}
}

func TestHubDisconnectRemovesClient(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	waitForClientCount(t, hub, 1)

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("expected client to be removed, got count %d", hub.ClientCount())
	}
}
