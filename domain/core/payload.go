package core

import (
	"encoding/json"
	"time"
)

// Payload conversion between MemoryCell and the vector store's untyped
// payload maps. Known fields are mapped explicitly; anything the backend
// returns beyond them is preserved in Metadata so round-trips are lossless.

const timeLayout = time.RFC3339Nano

var knownPayloadKeys = map[string]struct{}{
	"id": {}, "content": {}, "category": {},
	"memory_type": {}, "classification": {}, "urgency": {}, "domain": {},
	"confidence_tag": {}, "confidence": {}, "importance": {}, "priority": {},
	"agent_id": {}, "user_id": {}, "scope": {},
	"linked_memories": {}, "tags": {}, "entities": {},
	"event_time": {}, "ingested_at": {}, "created_at": {}, "updated_at": {},
	"access_times": {}, "access_count": {}, "deleted": {},
	"content_hash": {}, "block_name": {}, "block_version": {}, "last_writer": {},
	"metadata": {},
}

// EncodePayload renders a cell as a flat payload map for upsert. The map is
// freshly allocated; callers may mutate it without touching the cell.
func EncodePayload(c *MemoryCell) map[string]any {
	p := map[string]any{
		"id":             c.ID,
		"content":        c.Content,
		"memory_type":    string(c.Type),
		"classification": string(c.Classification),
		"urgency":        string(c.Urgency),
		"domain":         string(c.Domain),
		"confidence":     c.Confidence,
		"importance":     c.Importance,
		"priority":       c.Priority,
		"agent_id":       c.AgentID,
		"scope":          string(c.Scope),
		"ingested_at":    c.IngestedAt.UTC().Format(timeLayout),
		"created_at":     c.CreatedAt.UTC().Format(timeLayout),
		"updated_at":     c.UpdatedAt.UTC().Format(timeLayout),
		"access_count":   c.AccessCount,
		"deleted":        c.Deleted,
	}
	if c.Category != "" {
		p["category"] = c.Category
	}
	if c.ConfidenceTag != "" {
		p["confidence_tag"] = string(c.ConfidenceTag)
	}
	if c.UserID != "" {
		p["user_id"] = c.UserID
	}
	if len(c.LinkedMemories) > 0 {
		p["linked_memories"] = append([]string(nil), c.LinkedMemories...)
	}
	if len(c.Tags) > 0 {
		p["tags"] = append([]string(nil), c.Tags...)
	}
	if len(c.Entities) > 0 {
		p["entities"] = append([]string(nil), c.Entities...)
	}
	if c.EventTime != nil {
		p["event_time"] = c.EventTime.UTC().Format(timeLayout)
	}
	if len(c.AccessTimes) > 0 {
		times := make([]string, len(c.AccessTimes))
		for i, t := range c.AccessTimes {
			times[i] = t.UTC().Format(timeLayout)
		}
		p["access_times"] = times
	}
	if c.ContentHash != "" {
		p["content_hash"] = c.ContentHash
	}
	if c.BlockName != "" {
		p["block_name"] = c.BlockName
		p["block_version"] = c.BlockVersion
		p["last_writer"] = c.LastWriter
	}
	if len(c.Metadata) > 0 {
		meta := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		p["metadata"] = meta
	}
	return p
}

// DecodePayload reconstructs a cell from a backend payload map. Unknown keys
// are shunted into Metadata; taxonomy and score defaults are applied.
func DecodePayload(id string, p map[string]any) *MemoryCell {
	c := &MemoryCell{ID: id, Metadata: map[string]any{}}
	if v, ok := asString(p["id"]); ok && v != "" {
		c.ID = v
	}
	c.Content, _ = asString(p["content"])
	c.Category, _ = asString(p["category"])
	if v, ok := asString(p["memory_type"]); ok {
		c.Type = MemoryType(v)
	}
	if v, ok := asString(p["classification"]); ok {
		c.Classification = Classification(v)
	}
	if v, ok := asString(p["urgency"]); ok {
		c.Urgency = Urgency(v)
	}
	if v, ok := asString(p["domain"]); ok {
		c.Domain = Domain(v)
	}
	if v, ok := asString(p["confidence_tag"]); ok {
		c.ConfidenceTag = ConfidenceTag(v)
	}
	c.Confidence, _ = asFloat(p["confidence"])
	c.Importance, _ = asFloat(p["importance"])
	c.Priority, _ = asFloat(p["priority"])
	c.AgentID, _ = asString(p["agent_id"])
	c.UserID, _ = asString(p["user_id"])
	if v, ok := asString(p["scope"]); ok {
		c.Scope = Scope(v)
	}
	c.LinkedMemories = asStrings(p["linked_memories"])
	c.Tags = asStrings(p["tags"])
	c.Entities = asStrings(p["entities"])
	if t, ok := asTime(p["event_time"]); ok {
		c.EventTime = &t
	}
	if t, ok := asTime(p["ingested_at"]); ok {
		c.IngestedAt = t
	}
	if t, ok := asTime(p["created_at"]); ok {
		c.CreatedAt = t
	}
	if t, ok := asTime(p["updated_at"]); ok {
		c.UpdatedAt = t
	}
	for _, s := range asStrings(p["access_times"]) {
		if t, err := time.Parse(timeLayout, s); err == nil {
			c.AccessTimes = append(c.AccessTimes, t)
		}
	}
	if v, ok := asFloat(p["access_count"]); ok {
		c.AccessCount = int(v)
	}
	if v, ok := p["deleted"].(bool); ok {
		c.Deleted = v
	}
	c.ContentHash, _ = asString(p["content_hash"])
	c.BlockName, _ = asString(p["block_name"])
	if v, ok := asFloat(p["block_version"]); ok {
		c.BlockVersion = int(v)
	}
	c.LastWriter, _ = asString(p["last_writer"])
	if meta, ok := p["metadata"].(map[string]any); ok {
		for k, v := range meta {
			c.Metadata[k] = v
		}
	}
	for k, v := range p {
		if _, known := knownPayloadKeys[k]; !known {
			c.Metadata[k] = v
		}
	}
	c.ApplyDefaults()
	return c
}

// SparseMetadata reports whether the payload this cell came from left most
// cognitive fields at their defaults. The ranker falls back to a
// similarity-dominated score for such cells.
func (c *MemoryCell) SparseMetadata() bool {
	defaulted := 0
	if c.Importance == 0.5 {
		defaulted++
	}
	if c.Urgency == UrgencyReference {
		defaulted++
	}
	if c.Domain == DomainKnowledge {
		defaulted++
	}
	if len(c.AccessTimes) == 0 {
		defaulted++
	}
	if c.Confidence == 0.7 {
		defaulted++
	}
	return defaulted >= 4
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
