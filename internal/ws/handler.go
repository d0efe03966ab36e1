package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades HTTP requests to websocket event subscriptions. Each
// connection becomes a publisher sink; the publisher's bounded queue and
// grace period handle slow or dead clients.
type Handler struct {
	pub      *events.Publisher
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler on the given publisher.
func NewHandler(pub *events.Publisher) *Handler {
	return &Handler{
		pub: pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and subscribes it to the event stream.
// The optional `types` query parameter narrows the kinds delivered, e.g.
// ?types=threat_event,correlation_opened.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kinds := parseKinds(r.URL.Query().Get("types"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	id := h.pub.Subscribe(kinds, client)
	log.Printf("[WS] Client %s connected from %s", id, r.RemoteAddr)

	go client.pingLoop()
	go h.readPump(client, id)
}

// readPump discards inbound messages and tears the subscription down when
// the peer goes away.
func (h *Handler) readPump(client *wsClient, id string) {
	defer h.pub.Unsubscribe(id)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			log.Printf("[WS] Client %s disconnected: %v", id, err)
			return
		}
	}
}

func parseKinds(raw string) []events.Kind {
	if raw == "" {
		return nil
	}
	var kinds []events.Kind
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, events.Kind(part))
		}
	}
	return kinds
}

// wsClient adapts one websocket connection to events.Sink.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Send implements events.Sink.
func (c *wsClient) Send(msg *events.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements events.Sink.
func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}
