package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/domain/core"
)

// Handler consumes one parsed broadcast message.
type Handler func(channel string, msg *core.BroadcastMessage)

// Subscriber listens on the engine channels for one agent and dispatches
// parsed messages to registered handlers. Malformed messages are dropped.
type Subscriber struct {
	rdb     redis.UniversalClient
	agentID string
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[core.BroadcastEvent][]Handler

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewSubscriber creates a subscriber for the agent's channel set.
func NewSubscriber(rdb redis.UniversalClient, agentID string, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		rdb:      rdb,
		agentID:  agentID,
		logger:   logger,
		handlers: make(map[core.BroadcastEvent][]Handler),
		done:     make(chan struct{}),
	}
}

// On registers a handler for an event type. Registration after Start is
// safe.
func (s *Subscriber) On(event core.BroadcastEvent, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Start subscribes to public, private, critical and invalidate channels
// and pumps messages until Stop or context cancellation.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	channels := []string{
		core.ChannelPublic,
		core.PrivateChannel(s.agentID),
		core.ChannelCritical,
		core.ChannelInvalidate,
		core.ChannelConflict,
	}
	s.pubsub = s.rdb.Subscribe(ctx, channels...)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	go s.pump(ctx)
	s.logger.Info("broadcast subscriber started",
		zap.String("agent_id", s.agentID),
		zap.Strings("channels", channels))
	return nil
}

func (s *Subscriber) pump(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(m.Channel, []byte(m.Payload))
		}
	}
}

func (s *Subscriber) dispatch(channel string, payload []byte) {
	var msg core.BroadcastMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Event == "" {
		s.logger.Debug("dropping malformed broadcast",
			zap.String("channel", channel))
		return
	}
	// Own messages come back on shared channels; skip them.
	if msg.AgentID == s.agentID && msg.Event != core.EventInvalidate {
		return
	}

	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers[msg.Event]...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(channel, &msg)
	}
}

// Stop closes the subscription; safe to call once.
func (s *Subscriber) Stop() {
	close(s.done)
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
}
