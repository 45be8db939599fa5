package ports

import (
	"context"
	"fmt"
	"strings"

	"engram/domain/core"
)

// RecallHit is one cached or returned retrieval result.
type RecallHit struct {
	Cell   *core.MemoryCell `json:"cell"`
	Score  float64          `json:"score"`
	Source string           `json:"source,omitempty"` // "vector", "hybrid" or "graph"
}

// RecallCache caches full recall result lists under a normalized key.
type RecallCache interface {
	Get(ctx context.Context, key string) ([]RecallHit, bool)
	Set(ctx context.Context, key string, hits []RecallHit)

	// InvalidateAll drops every cached list. The cache never maps memory
	// ids back to query keys; invalidation is broad.
	InvalidateAll(ctx context.Context)
}

// RecallCacheKey builds the canonical cache key for a query.
func RecallCacheKey(query string, limit int, minScore float64) string {
	return fmt.Sprintf("%s|%d|%g", strings.ToLower(strings.TrimSpace(query)), limit, minScore)
}

// KeywordHit is one BM25 match.
type KeywordHit struct {
	ID    string
	Score float64
}

// KeywordIndex is the in-process lexical index used for hybrid retrieval.
type KeywordIndex interface {
	Add(id, text string)
	Remove(id string)
	Search(query string, limit int) []KeywordHit

	// Len reports the number of indexed documents.
	Len() int
}
