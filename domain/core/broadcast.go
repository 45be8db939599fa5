package core

import "time"

// BroadcastEvent is the event discriminator carried in a broadcast message.
type BroadcastEvent string

const (
	EventNewMemory        BroadcastEvent = "new-memory"
	EventConflictResolved BroadcastEvent = "conflict-resolved"
	EventCritical         BroadcastEvent = "critical"
	EventInvalidate       BroadcastEvent = "invalidate"
)

// Bus channel names. Private channels are suffixed with the agent id.
const (
	ChannelPublic        = "memory:public"
	ChannelPrivatePrefix = "memory:private:"
	ChannelCritical      = "memory:critical"
	ChannelInvalidate    = "memory:invalidate"
	ChannelConflict      = "memory:conflict"
	ChannelAgentStatus   = "agent:status"
)

// PrivateChannel returns the per-agent private channel name.
func PrivateChannel(agentID string) string {
	return ChannelPrivatePrefix + agentID
}

// BroadcastMessage is the UTF-8 JSON wire schema published on the bus.
// Subscribers silently drop anything that does not parse into it.
type BroadcastMessage struct {
	MemoryID    string         `json:"memory_id"`
	AgentID     string         `json:"agent_id"`
	MemoryType  MemoryType     `json:"memory_type"`
	Scope       Scope          `json:"scope"`
	Preview     string         `json:"preview"`
	Event       BroadcastEvent `json:"event"`
	LinkedCount int            `json:"linked_count"`
	Timestamp   time.Time      `json:"timestamp"`
}

// previewLimit bounds the text preview so broadcasts never leak whole cells.
const previewLimit = 80

// NewBroadcast builds the message for a cell event.
func NewBroadcast(c *MemoryCell, event BroadcastEvent) *BroadcastMessage {
	preview := c.Content
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	return &BroadcastMessage{
		MemoryID:    c.ID,
		AgentID:     c.AgentID,
		MemoryType:  c.Type,
		Scope:       c.Scope,
		Preview:     preview,
		Event:       event,
		LinkedCount: len(c.LinkedMemories),
		Timestamp:   time.Now().UTC(),
	}
}
