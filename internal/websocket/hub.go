// Package websocket pushes engine output to dashboard clients and feeds
// their visibility signals back into the polling lifecycle.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/metrics"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
	readLimit      = 1 << 20
)

// Message is the wire envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// deltaPayload is the outbound delta message body: the reconciliation
// result plus the task's liveness after applying it.
type deltaPayload struct {
	models.Delta
	Liveness models.Liveness `json:"liveness"`
}

// Options wires the hub to the rest of the process. All callbacks are
// optional; a nil callback drops the corresponding signal.
type Options struct {
	// State returns the current full state for initialState messages.
	State func() models.StateSnapshot

	// OnVisibility receives the effective dashboard visibility: hidden
	// only when every connected client reports its page hidden.
	OnVisibility func(hidden bool)

	// OnActiveView receives view switches from clients.
	OnActiveView func(view string)

	// OnOccupancy fires on 0→1 and 1→0 client-count transitions.
	OnOccupancy func(occupied bool)

	// AllowedOrigins are the origins accepted during upgrade, in
	// addition to same-host requests. "*" allows any origin.
	AllowedOrigins []string

	// Metrics receives the connected-client gauge. Optional.
	Metrics *metrics.Poll
}

// Client is one connected dashboard.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// hidden is guarded by hub.mu.
	hidden bool
}

// Hub maintains the connected clients and broadcasts engine output to
// them. It implements the engine's event sink: the publish methods never
// block and never call back into the engine.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a hub with the given wiring.
func NewHub(opts Options) *Hub {
	h := &Hub{
		opts:       opts,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts same-host requests and the configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Run drives the hub until the context ends. Occupancy and visibility
// callbacks fire from this loop so their edges are observed in order.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	log.Info().Msg("WebSocket hub started")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			log.Info().Msg("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-pingTicker.C:
			h.enqueueBroadcast(marshalMessage("ping", map[string]int64{"timestamp": time.Now().Unix()}))
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Info().Str("client", client.id).Int("clients", count).Msg("Dashboard client connected")
	h.opts.Metrics.SetClientCount(count)

	client.enqueue(marshalMessage("welcome", map[string]string{"clientId": client.id}))
	if h.opts.State != nil {
		client.enqueue(marshalMessage("initialState", h.opts.State()))
	}

	if count == 1 && h.opts.OnOccupancy != nil {
		h.opts.OnOccupancy(true)
	}
	// A freshly connected page is visible, which makes the dashboard
	// visible regardless of what other clients report.
	if h.opts.OnVisibility != nil {
		h.opts.OnVisibility(false)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !known {
		return
	}

	log.Info().Str("client", client.id).Int("clients", count).Msg("Dashboard client disconnected")
	h.opts.Metrics.SetClientCount(count)

	if count == 0 {
		if h.opts.OnOccupancy != nil {
			h.opts.OnOccupancy(false)
		}
		return
	}
	// The departed client may have been the only visible one.
	if h.opts.OnVisibility != nil && !h.anyVisible() {
		h.opts.OnVisibility(true)
	}
}

// fanOut delivers a message to every client, evicting clients whose send
// buffer is full: a reader that cannot keep up gets dropped rather than
// stalling the hub.
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			log.Warn().Str("client", client.id).Msg("Client send buffer full, evicting")
			go client.drop()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
	h.opts.Metrics.SetClientCount(0)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueueBroadcast queues a message for every client without blocking.
func (h *Hub) enqueueBroadcast(data []byte) {
	if data == nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full, dropping message")
	}
}

// PublishDelta implements the engine sink.
func (h *Hub) PublishDelta(delta models.Delta, liveness models.Liveness) {
	h.enqueueBroadcast(marshalMessage("delta", deltaPayload{Delta: delta, Liveness: liveness}))
}

// PublishTaskError implements the engine sink.
func (h *Hub) PublishTaskError(event models.TaskError) {
	h.enqueueBroadcast(marshalMessage("taskError", event))
}

// PublishTaskStatus implements the engine sink.
func (h *Hub) PublishTaskStatus(status models.TaskStatus) {
	h.enqueueBroadcast(marshalMessage("taskStatus", status))
}

// HandleWebSocket upgrades an HTTP request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("WebSocket upgrade rejected")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   ulid.Make().String(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Msg("Dropping message for slow client")
	}
}

// drop hands the client to the hub for removal without blocking forever
// if the hub already shut down.
func (c *Client) drop() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// visibilityPayload is the inbound page-visibility report.
type visibilityPayload struct {
	Hidden bool `json:"hidden"`
}

// activeViewPayload is the inbound view switch.
type activeViewPayload struct {
	View string `json:"view"`
}

func (c *Client) readPump() {
	defer func() {
		c.drop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed client message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case "visibility":
		var payload visibilityPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Malformed visibility message")
			return
		}
		c.hub.mu.Lock()
		c.hidden = payload.Hidden
		c.hub.mu.Unlock()
		log.Debug().Str("client", c.id).Bool("hidden", payload.Hidden).Msg("Client visibility changed")
		if c.hub.opts.OnVisibility != nil {
			c.hub.opts.OnVisibility(!c.hub.anyVisible())
		}

	case "activeView":
		var payload activeViewPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Malformed activeView message")
			return
		}
		log.Debug().Str("client", c.id).Str("view", payload.View).Msg("Client switched view")
		if c.hub.opts.OnActiveView != nil {
			c.hub.opts.OnActiveView(payload.View)
		}

	case "requestState":
		if c.hub.opts.State != nil {
			c.enqueue(marshalMessage("initialState", c.hub.opts.State()))
		}

	case "ping":
		c.enqueue(marshalMessage("pong", map[string]int64{"timestamp": time.Now().Unix()}))

	default:
		log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled client message")
	}
}

// anyVisible reports whether at least one connected client has the page
// visible.
func (h *Hub) anyVisible() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.hidden {
			return true
		}
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
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

			// Drain whatever queued up behind this message.
			for i := len(c.send); i > 0; i-- {
				queued, open := <-c.send
				if !open {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// marshalMessage builds the wire form of one message. Non-finite floats
// never reach this point: the source mapping layer clamps them before
// entities enter the engine.
func marshalMessage(msgType string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal message payload")
		return nil
	}
	data, err := json.Marshal(Message{Type: msgType, Data: raw})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal message")
		return nil
	}
	return data
}
