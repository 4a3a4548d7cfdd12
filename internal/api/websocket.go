package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/ringpeer/pkg"
)

const (
	// Time allowed to write a message to the client
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client
	pongWait = 60 * time.Second

	// Send pings to the client with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the client
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the admin API binds to the operator's host; any origin may watch
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected event subscriber.
type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans ring events out to WebSocket subscribers. It implements
// chord.RingUpdateBroadcaster.
type EventHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	shutdown   chan struct{}

	// Mirrors len(clients) for readers outside the hub loop
	subscribers atomic.Int32

	wg       sync.WaitGroup
	stopOnce sync.Once

	logger *pkg.Logger
}

// NewEventHub creates a hub. Call Start before accepting subscribers.
func NewEventHub(logger *pkg.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		shutdown:   make(chan struct{}),
		logger:     logger.WithFields(pkg.Fields{"component": "event_hub"}),
	}
}

// Start launches the loop that owns the subscriber set until Stop.
func (h *EventHub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *EventHub) run() {
	defer h.wg.Done()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.subscribers.Store(int32(len(h.clients)))
			h.logger.Info().Int("total_clients", len(h.clients)).Msg("Event subscriber connected")

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn().Msg("Subscriber send buffer full, disconnecting slow client")
					h.drop(c)
				}
			}

		case <-h.shutdown:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.subscribers.Store(0)
			h.logger.Info().Msg("Event hub stopped")
			return
		}
	}
}

func (h *EventHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.subscribers.Store(int32(len(h.clients)))
	h.logger.Info().Int("total_clients", len(h.clients)).Msg("Event subscriber disconnected")
}

// Subscribers returns the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	return int(h.subscribers.Load())
}

// Stop disconnects every subscriber and ends the hub loop.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	h.wg.Wait()
}

// BroadcastRingUpdate queues update for every subscriber. Events are dropped
// rather than blocking the peer when the hub is saturated.
func (h *EventHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping event")
	}
	return nil
}

// HandleWebSocket upgrades the request and subscribes it to ring events.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	// exactly one writer and one reader per connection
	go c.writePump()
	go c.readPump()
}

// readPump only services pongs and close frames; subscribers send nothing.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("Unexpected websocket close")
			}
			return
		}
	}
}

// writePump sends one JSON event per text frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
