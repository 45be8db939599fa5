// Package websocket relays memory bus events to connected observers, so
// a UI or sibling agent can watch stores, conflicts and invalidations live.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/domain/core"
)

// Event is one relayed bus message with its originating channel.
type Event struct {
	Channel   string                 `json:"channel"`
	Message   *core.BroadcastMessage `json:"message"`
	Timestamp int64                  `json:"timestamp"`
}

// Hub maintains active observer connections. Shared-channel events go to
// every client; private-channel events only to clients watching that agent.
type Hub struct {
	connections map[*Client]bool
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client
	events     chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewHub creates the relay hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections: make(map[*Client]bool),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		events:      make(chan *Event, 256),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Run is the hub's event loop; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.connections[client] = true
			h.mu.Unlock()
			h.logger.Info("observer connected",
				zap.String("connection_id", client.id),
				zap.String("agent_id", client.agentID))
		case client := <-h.unregister:
			h.drop(client)
		case event := <-h.events:
			h.fanout(event)
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.cancel()
}

// Relay enqueues one bus message for delivery. Full queues drop the event;
// the bus is the source of truth, the relay is best-effort.
func (h *Hub) Relay(channel string, msg *core.BroadcastMessage) {
	event := &Event{Channel: channel, Message: msg, Timestamp: time.Now().Unix()}
	select {
	case h.events <- event:
	default:
		h.logger.Warn("relay queue full, dropping event",
			zap.String("channel", channel))
	}
}

func (h *Hub) fanout(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode relay event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.connections))
	for client := range h.connections {
		if wants(client, event.Channel) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; cut it loose rather than stall the loop.
			h.logger.Warn("closing slow observer",
				zap.String("connection_id", client.id))
			go func(c *Client) {
				h.unregister <- c
				c.conn.Close()
			}(client)
		}
	}
}

// wants filters private traffic to the client observing that agent.
func wants(client *Client, channel string) bool {
	if !strings.HasPrefix(channel, core.ChannelPrivatePrefix) {
		return true
	}
	return client.agentID != "" && channel == core.PrivateChannel(client.agentID)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[client]; ok {
		delete(h.connections, client)
		close(client.send)
		h.logger.Info("observer disconnected",
			zap.String("connection_id", client.id))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.connections {
		close(client.send)
		client.conn.Close()
		delete(h.connections, client)
	}
}

// ConnectionCount reports the number of live observers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
