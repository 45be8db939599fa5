package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/pkg/observability"
)

const (
	l1Size = 50
	l1TTL  = 5 * time.Minute
	l2TTL  = time.Hour

	// DefaultPrefix namespaces recall keys in the shared Redis.
	DefaultPrefix = "engram:recall:"
)

// Layered is the recall cache: L1 in-process, L2 Redis. A nil Redis client
// leaves the cache L1-only. Every L2 failure is logged and swallowed.
type Layered struct {
	l1      *MemoryCache
	rdb     redis.UniversalClient
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ ports.RecallCache = (*Layered)(nil)

// NewLayered creates the two-tier cache. prefix may be empty for the
// default namespace.
func NewLayered(rdb redis.UniversalClient, prefix string, logger *zap.Logger, metrics *observability.Metrics) *Layered {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Layered{
		l1:      NewMemoryCache(l1Size, l1TTL),
		rdb:     rdb,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
	}
}

// Get looks up L1 then L2; an L2 hit is promoted into L1.
func (c *Layered) Get(ctx context.Context, key string) ([]ports.RecallHit, bool) {
	if raw, ok := c.l1.Get(key); ok {
		c.metrics.RecordCache("l1", true)
		return decodeHits(raw), true
	}
	c.metrics.RecordCache("l1", false)

	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("recall cache L2 get failed", zap.Error(err))
		}
		c.metrics.RecordCache("l2", false)
		return nil, false
	}
	hits := decodeHits(raw)
	if hits == nil {
		return nil, false
	}
	c.metrics.RecordCache("l2", true)
	c.l1.Set(key, raw)
	return hits, true
}

// Set writes through to both tiers.
func (c *Layered) Set(ctx context.Context, key string, hits []ports.RecallHit) {
	raw, err := json.Marshal(hits)
	if err != nil {
		c.logger.Debug("recall cache encode failed", zap.Error(err))
		return
	}
	c.l1.Set(key, raw)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, l2TTL).Err(); err != nil {
		c.logger.Debug("recall cache L2 set failed", zap.Error(err))
	}
}

// InvalidateAll flushes L1 and deletes the whole L2 namespace. The cache
// never maps memory ids back to query keys.
func (c *Layered) InvalidateAll(ctx context.Context) {
	c.l1.Flush()
	if c.rdb == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			c.logger.Debug("recall cache L2 scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.logger.Debug("recall cache L2 delete failed", zap.Error(err))
				return
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// HitRate exposes the L1 hit rate for engine stats.
func (c *Layered) HitRate() float64 {
	return c.l1.HitRate()
}

func decodeHits(raw []byte) []ports.RecallHit {
	var hits []ports.RecallHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil
	}
	return hits
}
