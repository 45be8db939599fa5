package core

import (
	"time"

	pkgerrors "engram/pkg/errors"
)

// MemoryCell is the atomic memory record. It is persisted as a vector-store
// payload next to its embedding; the field set here is explicit and anything
// a backend returns outside it lands in Metadata.
type MemoryCell struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`

	Type           MemoryType     `json:"memory_type"`
	Classification Classification `json:"classification"`
	Urgency        Urgency        `json:"urgency"`
	Domain         Domain         `json:"domain"`
	ConfidenceTag  ConfidenceTag  `json:"confidence_tag,omitempty"`

	Confidence float64 `json:"confidence"`
	Importance float64 `json:"importance"`
	Priority   float64 `json:"priority"`

	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id,omitempty"`
	Scope   Scope  `json:"scope"`

	LinkedMemories []string `json:"linked_memories,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Entities       []string `json:"entities,omitempty"`

	// Bi-temporal: EventTime is when the remembered thing happened,
	// IngestedAt is when the engine learned it.
	EventTime  *time.Time `json:"event_time,omitempty"`
	IngestedAt time.Time  `json:"ingested_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	AccessTimes []time.Time `json:"access_times,omitempty"`
	AccessCount int         `json:"access_count"`
	Deleted     bool        `json:"deleted"`

	ContentHash string `json:"content_hash,omitempty"`

	// Shared-block fields; zero for ordinary cells.
	BlockName    string `json:"block_name,omitempty"`
	BlockVersion int    `json:"block_version,omitempty"`
	LastWriter   string `json:"last_writer,omitempty"`

	// Metadata holds free-form markers: source, merge history, feedback
	// counters, promotion/demotion records, relink flags.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewCell creates a cell with engine defaults applied for missing fields.
func NewCell(content, agentID string) (*MemoryCell, error) {
	if content == "" {
		return nil, pkgerrors.NewSemantic("cell", "content cannot be empty")
	}
	if agentID == "" {
		return nil, pkgerrors.NewSemantic("cell", "agent id cannot be empty")
	}
	now := time.Now().UTC()
	return &MemoryCell{
		ID:             NewID(),
		Content:        content,
		Type:           TypeSemantic,
		Classification: ClassPublic,
		Urgency:        UrgencyReference,
		Domain:         DomainKnowledge,
		ConfidenceTag:  TagInferred,
		Confidence:     0.7,
		Importance:     0.5,
		Priority:       0.5,
		AgentID:        agentID,
		Scope:          ScopePublic,
		IngestedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
		ContentHash:    ContentHash(content),
		Metadata:       map[string]any{},
	}, nil
}

// ApplyDefaults fills zero-valued taxonomy and score fields on a cell
// reconstructed from a backend payload.
func (c *MemoryCell) ApplyDefaults() {
	if c.Type == "" {
		c.Type = TypeSemantic
	}
	if c.Classification == "" {
		c.Classification = ClassPublic
	}
	if c.Urgency == "" {
		c.Urgency = UrgencyReference
	}
	if c.Domain == "" {
		c.Domain = DomainKnowledge
	}
	if c.Scope == "" {
		if c.Classification == ClassPrivate {
			c.Scope = ScopePrivate
		} else {
			c.Scope = ScopePublic
		}
	}
	if c.Confidence == 0 {
		c.Confidence = 0.7
	}
	if c.Importance == 0 {
		c.Importance = 0.5
	}
	if c.Priority == 0 {
		c.Priority = 0.5
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
}

// RecordAccess appends an access timestamp and bumps the counter. Access
// times are append-only on the hot path; only consolidation truncates them.
func (c *MemoryCell) RecordAccess(at time.Time) {
	c.AccessTimes = append(c.AccessTimes, at)
	c.AccessCount++
}

// AdjustConfidence applies a delta and clamps the result to [0.1, 1.0]. The
// lower bound holds after any update so a cell never becomes unretrievable
// through feedback alone.
func (c *MemoryCell) AdjustConfidence(delta float64) {
	c.Confidence = clamp(c.Confidence+delta, 0.1, 1.0)
}

// AdjustImportance applies a delta and clamps the result to [0, 1].
func (c *MemoryCell) AdjustImportance(delta float64) {
	c.Importance = clamp(c.Importance+delta, 0, 1)
}

// Permanent reports whether the cell is exempt from archival and pruning.
func (c *MemoryCell) Permanent() bool {
	return c.Type.Permanent()
}

// Live reports whether readers may see the cell.
func (c *MemoryCell) Live() bool {
	return !c.Deleted
}

// LinkTo adds a peer id to the linked set if absent. Link lists are kept
// symmetric by the auto-linker and repaired by consolidation.
func (c *MemoryCell) LinkTo(peerID string) bool {
	if peerID == "" || peerID == c.ID {
		return false
	}
	for _, id := range c.LinkedMemories {
		if id == peerID {
			return false
		}
	}
	c.LinkedMemories = append(c.LinkedMemories, peerID)
	return true
}

// Meta reads a metadata value, tolerating a nil map.
func (c *MemoryCell) Meta(key string) (any, bool) {
	if c.Metadata == nil {
		return nil, false
	}
	v, ok := c.Metadata[key]
	return v, ok
}

// SetMeta writes a metadata value, allocating the map if needed.
func (c *MemoryCell) SetMeta(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata[key] = value
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
