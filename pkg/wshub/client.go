package wshub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var clientIDCounter atomic.Uint64

// Client is one websocket connection of a viewer.
type Client struct {
	id      uint64
	viewer  string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan Message
	closed bool
	stale  bool
}

func newClient(hub *Hub, conn *websocket.Conn, viewer string) *Client {
	c := &Client{
		id:     clientIDCounter.Add(1),
		viewer: viewer,
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBuffer),
	}
	if hub.cmdLimit > 0 {
		c.limiter = rate.NewLimiter(hub.cmdLimit, hub.cmdBurst)
	}
	return c
}

func (c *Client) ID() uint64 { return c.id }

func (c *Client) Viewer() string { return c.viewer }

// Send queues msg without blocking. It reports false if the client is gone or its buffer
// is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.WebSocketMessagesDropped.Inc()
		return false
	}
}

// SendScene queues a scene frame. When the buffer is full the frame is dropped, the client is
// marked stale and the hub's resync hook is started. Scene frames are skipped while the
// client is stale.
func (c *Client) SendScene(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stale {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	metrics.WebSocketMessagesDropped.Inc()
	c.stale = true
	if c.hub != nil && c.hub.onResync != nil {
		metrics.WebSocketResyncsTotal.Inc()
		logging.Debug().Uint64("client", c.id).Str("viewer", c.viewer).Msg("websocket client fell behind, resyncing")
		go c.hub.onResync(c)
	}
	return false
}

// Reset discards every queued frame, queues msg in their place and clears the stale mark.
func (c *Client) Reset(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for drained := false; !drained; {
		select {
		case <-c.send:
			metrics.WebSocketMessagesDropped.Inc()
		default:
			drained = true
		}
	}
	c.send <- msg
	c.stale = false
	return true
}

// Stale reports whether scene frames were dropped since the last Reset.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Uint64("client", c.id).Msg("unexpected websocket close error")
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(Message{Type: TypeError, Data: map[string]string{"error": "malformed message"}})
			continue
		}

		switch msg.Type {
		case TypePing:
			c.Send(Message{Type: TypePong})
		case TypeCommand:
			if c.limiter != nil && !c.limiter.Allow() {
				c.Send(Message{Type: TypeError, Data: map[string]string{"error": "rate limited"}})
				continue
			}
			if c.hub.handler != nil {
				c.hub.handler(c, msg)
			}
		default:
			logging.Debug().Str("type", msg.Type).Uint64("client", c.id).Msg("ignoring websocket message")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(message)
			if err != nil {
				logging.Error().Err(err).Str("type", message.Type).Msg("failed to encode websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logging.Debug().Err(err).Uint64("client", c.id).Msg("websocket write failed")
				return
			}
			metrics.WebSocketMessagesSent.Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}
