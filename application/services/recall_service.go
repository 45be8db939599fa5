package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram/application/ports"
	"engram/domain/core"
	domainservices "engram/domain/services"
	"engram/infrastructure/keyword"
	"engram/pkg/observability"
)

const (
	// oversampleFactor widens retrieval before ranking narrows it back.
	oversampleFactor = 3

	// graphScoreWeight discounts graph-activated appendices relative to
	// retrieval-scored hits.
	graphScoreWeight = 0.7

	// recentTopicWindow is how many past queries feed the topic-continuity
	// boost.
	recentTopicWindow = 5
)

// RecallRequest is one retrieval call.
type RecallRequest struct {
	Query    string
	AgentID  string
	Limit    int
	MinScore float64
	Types    []core.MemoryType
}

// RecallResponse carries the hits plus routing telemetry.
type RecallResponse struct {
	Hits       []ports.RecallHit
	Intent     domainservices.Intent
	Confidence float64
	FromCache  bool
}

// RecallService is the read pipeline: cache, route, hybrid retrieval,
// decay gating, ranking, diversity, graph augmentation and access
// bookkeeping.
type RecallService struct {
	vectors  ports.VectorStore
	embedder ports.Embedder
	cache    ports.RecallCache
	keywords ports.KeywordIndex

	router    *domainservices.IntentRouter
	ranker    *domainservices.Ranker
	decay     *domainservices.DecayModel
	activator *GraphActivator

	partitions ports.Partitions
	runtime    *Runtime
	agentID    string

	topicsMu sync.Mutex
	topics   []string

	patchWG sync.WaitGroup

	logger  *zap.Logger
	metrics *observability.Metrics
}

// RecallDeps collects the pipeline's collaborators.
type RecallDeps struct {
	Vectors    ports.VectorStore
	Embedder   ports.Embedder
	Cache      ports.RecallCache
	Keywords   ports.KeywordIndex
	Graph      ports.GraphStore
	Trust      domainservices.TrustResolver
	Partitions ports.Partitions
	Runtime    *Runtime
	AgentID    string
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewRecallService wires the read pipeline.
func NewRecallService(deps RecallDeps) *RecallService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := deps.Runtime
	if runtime == nil {
		runtime = NewRuntime(DefaultSettings())
	}
	return &RecallService{
		vectors:    deps.Vectors,
		embedder:   deps.Embedder,
		cache:      deps.Cache,
		keywords:   deps.Keywords,
		router:     domainservices.NewIntentRouter(),
		ranker:     domainservices.NewRanker(deps.Trust),
		decay:      domainservices.NewDecayModel(),
		activator:  NewGraphActivator(deps.Graph, domainservices.NewEntityExtractor(), logger),
		partitions: deps.Partitions,
		runtime:    runtime,
		agentID:    deps.AgentID,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Recall runs the full read pipeline. An empty query returns no hits
// without touching the embedder.
func (s *RecallService) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &RecallResponse{}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	routed := s.router.Route(query)
	if max := routed.Strategy.MaxResults; max > 0 && limit > max {
		limit = max
	}

	key := ports.RecallCacheKey(query, limit, req.MinScore)
	if s.cache != nil {
		if hits, ok := s.cache.Get(ctx, key); ok {
			s.rememberTopics(query)
			s.metrics.RecordRecall(string(routed.Intent), "hit", start)
			return &RecallResponse{
				Hits:       hits,
				Intent:     routed.Intent,
				Confidence: routed.Confidence,
				FromCache:  true,
			}, nil
		}
	}

	searchText := query
	if routed.Strategy.ExpandQuery && routed.Rewrite != "" {
		searchText = routed.Rewrite
	}
	vector, err := s.embedder.Embed(ctx, searchText)
	if err != nil {
		s.metrics.RecordRecall(string(routed.Intent), "error", start)
		return nil, err
	}

	minScore := req.MinScore
	if minScore <= 0 {
		minScore = routed.Strategy.MinScore
	}

	candidates, err := s.hybridRetrieve(ctx, query, vector, limit, routed.Strategy)
	if err != nil {
		s.metrics.RecordRecall(string(routed.Intent), "error", start)
		return nil, err
	}

	now := time.Now().UTC()
	candidates = s.gateDecay(candidates, now)
	candidates = filterTypes(candidates, req.Types)

	activated := s.activateGraph(ctx, query, limit)
	if len(activated) > 0 {
		byID := make(map[string]float64, len(activated))
		for _, act := range activated {
			byID[act.ID] = act.Activation
		}
		for i := range candidates {
			if a, ok := byID[candidates[i].Cell.ID]; ok {
				candidates[i].Graph = a
			}
		}
	}

	rctx := domainservices.RankContext{
		Now:          now,
		RecentTopics: s.recentTopics(),
		FocusTerms:   focusTerms(query),
		HasGraph:     len(activated) > 0,
	}
	strategy := routed.Strategy
	strategy.MinScore = minScore
	ranked := s.ranker.Rank(candidates, strategy, rctx, 2*limit)
	ranked = s.ranker.DiversityRerank(ranked, limit)

	hits := make([]ports.RecallHit, 0, limit)
	seen := make(map[string]bool, limit)
	for _, res := range ranked {
		hits = append(hits, ports.RecallHit{Cell: res.Cell, Score: res.Score, Source: "hybrid"})
		seen[res.Cell.ID] = true
	}

	hits = s.appendGraphHits(ctx, activated, hits, seen, limit)

	s.rememberTopics(query)
	s.patchAccess(hits)

	if s.cache != nil {
		s.cache.Set(ctx, key, hits)
	}
	s.metrics.RecordRecall(string(routed.Intent), "miss", start)
	s.logger.Debug("recall served",
		zap.String("intent", string(routed.Intent)),
		zap.Int("hits", len(hits)),
		zap.Duration("took", time.Since(start)))
	return &RecallResponse{
		Hits:       hits,
		Intent:     routed.Intent,
		Confidence: routed.Confidence,
	}, nil
}

// hybridRetrieve runs vector search over both partitions and the lexical
// index in parallel, then fuses with reciprocal rank fusion.
func (s *RecallService) hybridRetrieve(ctx context.Context, query string, vector []float64, limit int, strategy domainservices.Strategy) ([]domainservices.RankCandidate, error) {
	settings := s.runtime.Snapshot()
	fetch := limit * oversampleFactor

	var (
		mu     sync.Mutex
		points = map[string]ports.ScoredPoint{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range []string{s.partitions.Shared, s.partitions.Private} {
		if partition == "" {
			continue
		}
		p := partition
		g.Go(func() error {
			found, err := s.vectors.Search(gctx, p, vector, fetch, 0, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, pt := range found {
				if prev, ok := points[pt.ID]; !ok || pt.Score > prev.Score {
					points[pt.ID] = pt
				}
			}
			return nil
		})
	}

	var keywordHits []ports.KeywordHit
	if s.keywords != nil && settings.EnableBM25 {
		g.Go(func() error {
			keywordHits = s.keywords.Search(query, fetch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectorOrder := make([]string, 0, len(points))
	for id := range points {
		vectorOrder = append(vectorOrder, id)
	}
	sort.Slice(vectorOrder, func(i, j int) bool {
		a, b := points[vectorOrder[i]], points[vectorOrder[j]]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})

	fusedOrder := vectorOrder
	if len(keywordHits) > 0 {
		fusedOrder = keyword.FuseRRF(vectorOrder, keywordHits)
	}

	var maxBM25 float64
	bm25 := make(map[string]float64, len(keywordHits))
	for _, hit := range keywordHits {
		bm25[hit.ID] = hit.Score
		if hit.Score > maxBM25 {
			maxBM25 = hit.Score
		}
	}

	candidates := make([]domainservices.RankCandidate, 0, len(fusedOrder))
	for _, id := range fusedOrder {
		pt, ok := points[id]
		if !ok {
			continue
		}
		cell := core.DecodePayload(pt.ID, pt.Payload)
		if cell == nil || !cell.Live() {
			continue
		}
		kw := 0.0
		if maxBM25 > 0 {
			kw = bm25[id] / maxBM25
		}
		candidates = append(candidates, domainservices.RankCandidate{
			Cell:     cell,
			Semantic: pt.Score,
			Keyword:  kw,
		})
	}
	return candidates, nil
}

// gateDecay hides cells whose activation has fallen below the read floor.
// Permanent types are exempt.
func (s *RecallService) gateDecay(candidates []domainservices.RankCandidate, now time.Time) []domainservices.RankCandidate {
	kept := candidates[:0]
	for _, cand := range candidates {
		if cand.Cell.Permanent() {
			kept = append(kept, cand)
			continue
		}
		if s.decay.StatusOf(cand.Cell, now) == domainservices.StatusActive {
			kept = append(kept, cand)
		}
	}
	return kept
}

func filterTypes(candidates []domainservices.RankCandidate, types []core.MemoryType) []domainservices.RankCandidate {
	if len(types) == 0 {
		return candidates
	}
	want := make(map[core.MemoryType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	kept := candidates[:0]
	for _, cand := range candidates {
		if want[cand.Cell.Type] {
			kept = append(kept, cand)
		}
	}
	return kept
}

// activateGraph runs spreading activation once per recall; the result both
// feeds the rank blend and backfills hits retrieval missed.
func (s *RecallService) activateGraph(ctx context.Context, query string, limit int) []MemoryActivation {
	settings := s.runtime.Snapshot()
	if !settings.EnableGraph {
		return nil
	}
	params := DefaultActivationParams()
	params.Depth = settings.SpreadDepth
	params.Decay = settings.SpreadDecay
	return s.activator.Activate(ctx, query, params, limit)
}

// appendGraphHits adds graph-activated memories the retrieval channels
// missed. Retrieval wins ties: ids already present keep their scores.
func (s *RecallService) appendGraphHits(ctx context.Context, activated []MemoryActivation, hits []ports.RecallHit, seen map[string]bool, limit int) []ports.RecallHit {
	for _, act := range activated {
		if seen[act.ID] || len(hits) >= limit {
			continue
		}
		cell := s.lookupCell(ctx, act.ID)
		if cell == nil {
			continue
		}
		hits = append(hits, ports.RecallHit{
			Cell:   cell,
			Score:  act.Activation * graphScoreWeight,
			Source: "graph",
		})
		seen[act.ID] = true
	}
	return hits
}

func (s *RecallService) lookupCell(ctx context.Context, id string) *core.MemoryCell {
	for _, partition := range []string{s.partitions.Shared, s.partitions.Private} {
		if partition == "" {
			continue
		}
		rec, err := s.vectors.Get(ctx, partition, id)
		if err != nil || rec == nil {
			continue
		}
		cell := core.DecodePayload(rec.ID, rec.Payload)
		if cell != nil && cell.Live() {
			return cell
		}
	}
	return nil
}

// patchAccess records the access asynchronously so reads stay fast. Drain
// waits for in-flight patches at shutdown.
func (s *RecallService) patchAccess(hits []ports.RecallHit) {
	if len(hits) == 0 {
		return
	}
	now := time.Now().UTC()
	cells := make([]*core.MemoryCell, 0, len(hits))
	for _, hit := range hits {
		hit.Cell.RecordAccess(now)
		cells = append(cells, hit.Cell)
	}
	s.patchWG.Add(1)
	go func() {
		defer s.patchWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, cell := range cells {
			partition := s.partitions.Shared
			if cell.Scope == core.ScopePrivate {
				partition = s.partitions.Private
			}
			err := s.vectors.Patch(ctx, partition, cell.ID, map[string]any{
				"access_count": cell.AccessCount,
				"access_times": cell.AccessTimes,
				"updated_at":   now.Format(time.RFC3339Nano),
			})
			if err != nil {
				s.logger.Debug("access patch failed",
					zap.String("memory_id", cell.ID), zap.Error(err))
			}
		}
	}()
}

// Drain blocks until queued access patches finish.
func (s *RecallService) Drain() {
	s.patchWG.Wait()
}

func (s *RecallService) rememberTopics(query string) {
	terms := focusTerms(query)
	if len(terms) == 0 {
		return
	}
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	s.topics = append(s.topics, terms...)
	if excess := len(s.topics) - recentTopicWindow*4; excess > 0 {
		s.topics = s.topics[excess:]
	}
}

func (s *RecallService) recentTopics() []string {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// focusTerms picks the significant words of a query for the overlap boost.
func focusTerms(query string) []string {
	var out []string
	for _, tok := range keyword.Tokenize(query) {
		if len(tok) > 3 {
			out = append(out, tok)
		}
	}
	return out
}
