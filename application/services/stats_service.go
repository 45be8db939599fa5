package services

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram/application/ports"
)

// Stats is the engine's observable state summary.
type Stats struct {
	SharedCount   int     `json:"shared_count"`
	PrivateCount  int     `json:"private_count"`
	ProfilesCount int     `json:"profiles_count"`
	SkillsCount   int     `json:"skills_count"`
	IndexedDocs   int     `json:"indexed_docs"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	AgentID       string  `json:"agent_id"`
}

// HitRater is implemented by caches that track their hit ratio.
type HitRater interface {
	HitRate() float64
}

// StatsService aggregates counts across the partitions for the stats
// endpoint.
type StatsService struct {
	vectors    ports.VectorStore
	keywords   ports.KeywordIndex
	cache      HitRater
	partitions ports.Partitions
	agentID    string
	logger     *zap.Logger
}

// NewStatsService wires the aggregator. cache may be nil.
func NewStatsService(vectors ports.VectorStore, keywords ports.KeywordIndex, cache HitRater, partitions ports.Partitions, agentID string, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsService{
		vectors:    vectors,
		keywords:   keywords,
		cache:      cache,
		partitions: partitions,
		agentID:    agentID,
		logger:     logger,
	}
}

// Collect counts every partition in parallel. A failing partition counts
// as zero rather than failing the whole call.
func (s *StatsService) Collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{AgentID: s.agentID}
	g, gctx := errgroup.WithContext(ctx)
	count := func(partition string, into *int) {
		if partition == "" {
			return
		}
		g.Go(func() error {
			n, err := s.vectors.Count(gctx, partition)
			if err != nil {
				s.logger.Debug("partition count failed",
					zap.String("partition", partition), zap.Error(err))
				return nil
			}
			*into = n
			return nil
		})
	}
	count(s.partitions.Shared, &stats.SharedCount)
	count(s.partitions.Private, &stats.PrivateCount)
	count(s.partitions.Profiles, &stats.ProfilesCount)
	count(s.partitions.Skills, &stats.SkillsCount)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.keywords != nil {
		stats.IndexedDocs = s.keywords.Len()
	}
	if s.cache != nil {
		stats.CacheHitRate = s.cache.HitRate()
	}
	return stats, nil
}
