// Package wshub fans scene operations and stats out to websocket viewers and feeds viewer
// commands back to the server.
package wshub

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/metrics"
)

var ErrHubStopped = errors.New("websocket hub stopped")

// Message types.
const (
	TypeSceneOps      = "scene.ops"
	TypeSceneReset    = "scene.reset"
	TypeStats         = "stats"
	TypeFeed          = "feed"
	TypeClanChat      = "clan_chat"
	TypeNotifications = "notifications"
	TypeProfile       = "profile"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeCommand       = "command"
	TypeResult        = "result"
)

// Message is an outbound frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Inbound is a frame received from a viewer. Data is decoded by the handler.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler is called on the client's read goroutine for every command frame.
type Handler func(c *Client, msg Inbound)

type Option func(*Hub)

// WithHandler sets the command handler.
func WithHandler(h Handler) Option {
	return func(hub *Hub) { hub.handler = h }
}

// WithCommandRate limits commands per client. A zero limit disables the limiter.
func WithCommandRate(limit rate.Limit, burst int) Option {
	return func(hub *Hub) {
		hub.cmdLimit = limit
		hub.cmdBurst = burst
	}
}

// WithDisconnectHook is called after a client leaves the hub.
func WithDisconnectHook(fn func(c *Client)) Option {
	return func(hub *Hub) { hub.onDisconnect = fn }
}

// WithResyncHook is called on its own goroutine when a client drops a scene frame. The hook
// is expected to send the client a full scene with Client.Reset.
func WithResyncHook(fn func(c *Client)) Option {
	return func(hub *Hub) { hub.onResync = fn }
}

// Hub maintains the set of active clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Unregister chan *Client
	mu         sync.RWMutex
	stopped    bool
	done       chan struct{}
	doneOnce   sync.Once

	upgrader     websocket.Upgrader
	handler      Handler
	cmdLimit     rate.Limit
	cmdBurst     int
	onDisconnect func(c *Client)
	onResync     func(c *Client)
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan Message, 256),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cmdLimit: 20,
		cmdBurst: 40,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the hub until ctx is cancelled. It closes every client on the way out.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAllClients()
			h.doneOnce.Do(func() { close(h.done) })
			logging.Info().Str("component", "websocket-hub").Int("clients_closed", n).Msg("websocket hub stopped")
			return ctx.Err()

		case client := <-h.Unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				metrics.WebSocketConnections.Dec()
				logging.Info().Uint64("client", client.id).Str("viewer", client.viewer).Int("total_clients", n).Msg("websocket client disconnected")
				if h.onDisconnect != nil {
					h.onDisconnect(client)
				}
			}

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

func (h *Hub) broadcastToClients(message Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.sortedClients() {
		client.Send(message)
	}
}

// register adds c to the hub. It fails once the hub has stopped.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
	logging.Info().Uint64("client", c.id).Str("viewer", c.viewer).Int("total_clients", n).Msg("websocket client connected")
	return true
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for _, client := range h.sortedClients() {
		client.close()
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
}

// Broadcast queues a message for every client.
func (h *Hub) Broadcast(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		metrics.WebSocketMessagesDropped.Inc()
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// SendTo delivers a message to every client of one viewer and returns how many accepted it.
func (h *Hub) SendTo(viewer, messageType string, data any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.viewer == viewer && client.Send(Message{Type: messageType, Data: data}) {
			n++
		}
	}
	return n
}

// SendSceneTo delivers a scene frame to every client of one viewer. Clients that cannot keep
// up are resynced instead.
func (h *Hub) SendSceneTo(viewer, messageType string, data any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.viewer == viewer && client.SendScene(Message{Type: messageType, Data: data}) {
			n++
		}
	}
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ViewerConnected reports whether viewer has at least one client.
func (h *Hub) ViewerConnected(viewer string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.viewer == viewer {
			return true
		}
	}
	return false
}

// Accept upgrades the request, registers the client and starts its pumps. The client is in
// the hub when Accept returns. The hub must be serving.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, viewer string) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if err := r.Context().Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := newClient(h, conn, viewer)
	if !h.register(c) {
		_ = conn.Close()
		return nil, ErrHubStopped
	}
	c.start()
	return c, nil
}
