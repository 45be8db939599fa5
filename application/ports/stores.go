package ports

import (
	"context"
	"time"

	"engram/domain/core"
	"engram/pkg/errors"
)

// VectorRecord is one point in the vector store: id, dense vector and the
// cell payload as a flat map.
type VectorRecord struct {
	ID      string
	Vector  []float64
	Payload map[string]any
}

// ScoredPoint is a search result with its backend similarity score.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
	Vector  []float64
}

// Filter is the conjunctive predicate applied to store reads. Must maps
// payload field to required value; every condition is ANDed. Unless
// IncludeDeleted is set, adapters AND `deleted=false` implicitly.
type Filter struct {
	Must           map[string]any
	IncludeDeleted bool
}

// VectorStore is the port to the vector database. Implementations must
// time out, surface non-2xx responses as typed errors, and never mutate
// caller inputs.
type VectorStore interface {
	// Upsert writes points, waiting for durability.
	Upsert(ctx context.Context, partition string, records ...VectorRecord) error

	// Search runs filtered nearest-neighbor search.
	Search(ctx context.Context, partition string, vector []float64, limit int, minScore float64, filter *Filter) ([]ScoredPoint, error)

	// Scroll pages through points; offset is an opaque cursor, empty for
	// the first page. The returned cursor is empty when exhausted.
	Scroll(ctx context.Context, partition string, batchSize int, offset string, filter *Filter) ([]VectorRecord, string, error)

	// Patch updates payload fields only, never the vector.
	Patch(ctx context.Context, partition, id string, payload map[string]any) error

	// Get fetches a single point's payload.
	Get(ctx context.Context, partition, id string) (*VectorRecord, error)

	// SoftDelete marks the point deleted without removing it.
	SoftDelete(ctx context.Context, partition, id string) error

	// Count returns the number of points in the partition.
	Count(ctx context.Context, partition string) (int, error)

	// EnsureTextIndex creates a text payload index; idempotent.
	EnsureTextIndex(ctx context.Context, partition, field string) error
}

// Embedder turns text into a fixed-dimension dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimension reports the vector width once known, 0 before the first
	// successful call.
	Dimension() int
}

// Enricher is an optional external entity-extraction service.
type Enricher interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// GraphNeighbor is one adjacent node with the connecting relationship.
type GraphNeighbor struct {
	Name     string
	EdgeType string
	Since    time.Time
}

// GraphEvent is a dated relationship used by timelines.
type GraphEvent struct {
	Subject  string
	EdgeType string
	When     time.Time
}

// EntityPair is two entities plus the number of memories mentioning both.
type EntityPair struct {
	A      string
	B      string
	Shared int
}

// GraphStore is the port to the entity graph.
type GraphStore interface {
	UpsertEntity(ctx context.Context, name, entityType string, props map[string]any) error
	UpsertEdge(ctx context.Context, from, to, edgeType string, props map[string]any) error
	Neighbors(ctx context.Context, name string, limit int) ([]GraphNeighbor, error)
	ShortestPath(ctx context.Context, a, b string, maxDepth int) ([]string, error)
	Timeline(ctx context.Context, name string, limit int) ([]GraphEvent, error)
	TemporalQuery(ctx context.Context, name string, asOf time.Time) ([]GraphNeighbor, error)
	IngestMemory(ctx context.Context, id, text string, entities []string, agentID string, eventTime *time.Time) error

	// MemoriesMentioning lists ids of Memory nodes with a MENTIONS edge
	// to the entity.
	MemoriesMentioning(ctx context.Context, entity string, limit int) ([]string, error)

	// CoOccurrences lists entity pairs sharing at least minShared memories.
	CoOccurrences(ctx context.Context, minShared int) ([]EntityPair, error)
}

// Broadcaster publishes engine events to the shared bus. Publish failures
// are non-fatal to callers by contract; implementations log and count them.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, msg *core.BroadcastMessage) error
	PublishStatus(ctx context.Context, agentID, status string) error

	// Fanout publishes a stored cell to every channel its scope and type
	// demand: public or private, critical for core/profile, invalidate
	// always.
	Fanout(ctx context.Context, cell *core.MemoryCell)
}

// Partitions names the four logical buckets the engine owns.
type Partitions struct {
	Shared   string
	Private  string
	Profiles string
	Skills   string
}

// ForClassification selects the write partition: secret content is never
// storable, private goes to the agent bucket, public to the shared one.
func (p Partitions) ForClassification(c core.Classification) (string, error) {
	switch c {
	case core.ClassSecret:
		return "", errors.NewPolicy("partitions.resolve", "secret content cannot be stored")
	case core.ClassPrivate:
		return p.Private, nil
	default:
		return p.Shared, nil
	}
}
