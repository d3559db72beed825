package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Push event types.
const (
	EventStatus         = "sync.status"
	EventConflict       = "sync.conflict"
	EventDrainStarted   = "sync.drain_started"
	EventDrainCompleted = "sync.drain_completed"
)

// WSClient is one push connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu sync.Mutex
	// subscriptions filters events; an empty set receives everything.
	subscriptions map[string]bool
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub tracks push clients and fans events out to them.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan outbound
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	log        *logging.Logger
}

type outbound struct {
	eventType string
	payload   []byte
}

// WSEnvelope wraps every pushed event.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// NewWSHub creates a hub and starts its loop.
func NewWSHub(logger *logging.Logger) *WSHub {
	if logger == nil {
		logger = logging.Nop()
	}
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        logger.With(map[string]interface{}{"component": "ws"}),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", map[string]interface{}{"client": client.id, "total": n})

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", map[string]interface{}{"client": client.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					h.log.Warn("Dropping slow client", map[string]interface{}{"client": client.id})
					h.drop(client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for _, client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// drop removes a client. Callers hold mu.
func (h *WSHub) drop(client *WSClient) {
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the loop.
func (h *WSHub) Close() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Broadcast queues an event for every subscribed client.
func (h *WSHub) Broadcast(eventType string, data interface{}) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.Error("Failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}
	select {
	case h.broadcast <- outbound{eventType: eventType, payload: bytes}:
	case <-h.stop:
	}
}

// BroadcastStatus pushes a status transition.
func (h *WSHub) BroadcastStatus(status models.SyncStatus) {
	h.Broadcast(EventStatus, status)
}

// BroadcastConflict pushes a resolved conflict.
func (h *WSHub) BroadcastConflict(event models.ConflictEvent) {
	h.Broadcast(EventConflict, event)
}

// BroadcastDrainStarted notifies clients that a drain was requested.
func (h *WSHub) BroadcastDrainStarted(trigger string) {
	h.Broadcast(EventDrainStarted, map[string]interface{}{"trigger": trigger})
}

// BroadcastDrainCompleted pushes the reports of a finished drain.
func (h *WSHub) BroadcastDrainCompleted(ops, uploads fsync.DrainReport) {
	h.Broadcast(EventDrainCompleted, map[string]interface{}{
		"operations": ops,
		"uploads":    uploads,
	})
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("Invalid client message", map[string]interface{}{"client": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a direct response. It goes through the hub lock so it never
// races the close of send.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket upgrades the request and attaches the connection to hub.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.stop:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
