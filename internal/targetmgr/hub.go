package targetmgr

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/iastscan/iastscand/internal/store"
)

// hubBufferSize is each client's outbound send-channel capacity;
// adapted from the teacher's WebSocket fan-out hub
// (internal/server/hub.go), generalized from dashboard state/alert/chat
// messages to scan progress and finding events (§4.9 admin live-tail).
const hubBufferSize = 256

// Event is one message broadcast to every connected admin client: a
// new Finding, or a Slot transition (scanner started/stopped).
type Event struct {
	Type string      `json:"type"` // "finding" | "target_started" | "target_stopped"
	Data interface{} `json:"data"`
}

// client is one connected WebSocket admin session.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out Events to every connected admin client, letting an
// operator tail scan progress and findings live instead of polling
// /admin/targets/.../report (§4.9 [ADD]).
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

// NewHub creates an empty broadcast Hub. Run must be started in its
// own goroutine before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, hubBufferSize),
	}
}

// Run drives the hub's registration/broadcast loop for the life of the
// process; Server starts it in its own goroutine at construction.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast JSON-encodes ev and fans it out to every connected client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[TARGETMGR] encode live event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[TARGETMGR] hub broadcast channel full, dropping %s event", ev.Type)
	}
}

// NotifyFinding implements internal/scanner.FindingNotifier, broadcasting
// a confirmed Finding to every connected admin client.
func (h *Hub) NotifyFinding(target, pluginName string, f *store.Finding) {
	h.Broadcast(Event{Type: "finding", Data: map[string]interface{}{
		"target":  target,
		"plugin":  pluginName,
		"finding": f,
	}})
}

// ClientCount reports the number of live admin connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an admin connection to a WebSocket and streams every
// subsequent Event to it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TARGETMGR] websocket upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, hubBufferSize)}
	h.register <- c

	go c.writePump()
	c.readPump()
}

// readPump drains (and discards) inbound frames purely to detect
// disconnects; the admin live-tail is one-directional.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
