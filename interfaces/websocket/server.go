package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"engram/domain/core"
	"engram/infrastructure/messaging"
)

// Server upgrades HTTP requests into observer connections and feeds the
// hub from the broadcast bus.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates the server around a running hub.
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay carries no credentials; origin policy is left to
			// the deployment's proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Attach subscribes the hub to every event the bus carries.
func (s *Server) Attach(sub *messaging.Subscriber) {
	events := []core.BroadcastEvent{
		core.EventNewMemory,
		core.EventConflictResolved,
		core.EventCritical,
		core.EventInvalidate,
	}
	for _, event := range events {
		sub.On(event, func(channel string, msg *core.BroadcastMessage) {
			s.hub.Relay(channel, msg)
		})
	}
}

// ServeHTTP handles GET /ws?agent_id=<id>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(r.URL.Query().Get("agent_id"), s.hub, conn, s.logger)
	client.Start()
}
