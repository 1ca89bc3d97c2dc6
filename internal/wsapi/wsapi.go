// Package wsapi is the WebSocket transport for the fan-out Bus (spec §6
// streaming surface), generalized from the teacher's ws/hub.go
// one-room-per-market shape to the five-pattern topic grammar the bus
// exposes. Every connection gets one readPump/writePump goroutine pair.
package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spotexchange/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the client->server frame (spec §6): {type, channels[]}.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// serverMessage is the server->client frame (spec §6): {type, channel, data, timestamp}.
type serverMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub upgrades HTTP connections to WebSocket sessions wired to a Bus, and
// provides the snapshot-on-subscribe callback the bus contract requires.
type Hub struct {
	bus          *bus.Bus
	log          zerolog.Logger
	maxQueue     int
	snapshotFunc func(topic string) (string, any, bool) // returns (kind, data, ok)
}

func NewHub(b *bus.Bus, log zerolog.Logger, maxQueue int, snapshotFunc func(topic string) (string, any, bool)) *Hub {
	return &Hub{bus: b, log: log.With().Str("component", "wsapi").Logger(), maxQueue: maxQueue, snapshotFunc: snapshotFunc}
}

// conn is one WebSocket session; it implements bus.Session.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan bus.Frame
	hub  *Hub

	mu     sync.Mutex
	topics map[string]bool
}

func (c *conn) ID() string { return c.id }

// Send enqueues a frame for delivery; it never blocks — a full queue is
// treated as a slow consumer (spec §4.4 best-effort delivery).
func (c *conn) Send(f bus.Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		return errFullQueue
	}
}

var errFullQueue = fullQueueError{}

type fullQueueError struct{}

func (fullQueueError) Error() string { return "session send queue full" }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan bus.Frame, h.maxQueue),
		hub:    h,
		topics: make(map[string]bool),
	}
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.bus.UnsubscribeAll(c.id)
		c.ws.Close()
	}()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(msg.Channels)
		case "unsubscribe":
			c.handleUnsubscribe(msg.Channels)
		default:
			c.sendError("unknown message type " + msg.Type)
		}
	}
}

func (c *conn) handleSubscribe(channels []string) {
	for _, topic := range channels {
		if !bus.ValidTopic(topic) {
			c.sendError("invalid topic " + topic)
			continue
		}
		c.hub.bus.Subscribe(topic, c)
		c.mu.Lock()
		c.topics[topic] = true
		c.mu.Unlock()

		if c.hub.snapshotFunc != nil {
			if kind, data, ok := c.hub.snapshotFunc(topic); ok {
				_ = c.Send(bus.Frame{Topic: topic, Kind: kind, Data: data})
			}
		}
		ack := serverMessage{Type: "subscribe", Channel: topic, Timestamp: time.Now()}
		c.writeJSON(ack)
	}
}

func (c *conn) handleUnsubscribe(channels []string) {
	for _, topic := range channels {
		c.hub.bus.Unsubscribe(topic, c.id)
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
		ack := serverMessage{Type: "unsubscribe", Channel: topic, Timestamp: time.Now()}
		c.writeJSON(ack)
	}
}

func (c *conn) sendError(msg string) {
	c.writeJSON(serverMessage{Type: "error", Data: msg, Timestamp: time.Now()})
}

func (c *conn) writeJSON(v any) {
	select {
	case c.send <- bus.Frame{Kind: "__raw__", Data: v}:
	default:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	welcome := serverMessage{Type: "welcome", Timestamp: time.Now()}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteJSON(welcome)

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if frame.Kind == "__raw__" {
				if err := c.ws.WriteJSON(frame.Data); err != nil {
					return
				}
				continue
			}
			msg := serverMessage{Type: frame.Kind, Channel: frame.Topic, Data: frame.Data, Timestamp: time.Now()}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
