package services

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram/application/ports"
	"engram/domain/core"
	domainservices "engram/domain/services"
	"engram/pkg/observability"
)

// Store actions returned to callers.
const (
	ActionCreated         = "created"
	ActionMerged          = "merged"
	ActionDuplicate       = "duplicate"
	ActionBlockedSecret   = "blocked_secret"
	ActionConflictFlagged = "conflict_flagged"
)

// dedupCandidates bounds how many neighbors the dedup gate examines.
const dedupCandidates = 5

// StoreRequest is one memory to persist.
type StoreRequest struct {
	Content    string
	AgentID    string
	UserID     string
	Type       core.MemoryType // optional override
	Urgency    core.Urgency    // optional override
	Importance float64         // optional override, 0 means classifier default
	EventTime  *time.Time
	Metadata   map[string]any
}

// StoreResult reports what the pipeline did.
type StoreResult struct {
	Action string
	Cell   *core.MemoryCell
	Reason string
}

// StoreService is the write pipeline: classify, embed, dedup, enrich,
// persist, then best-effort side effects (link, graph, broadcast,
// invalidate, index).
type StoreService struct {
	vectors     ports.VectorStore
	embedder    ports.Embedder
	graph       ports.GraphStore
	broadcaster ports.Broadcaster
	cache       ports.RecallCache
	keywords    ports.KeywordIndex
	enricher    ports.Enricher

	classifier *domainservices.Classifier
	extractor  *domainservices.EntityExtractor
	deduper    *domainservices.Deduper
	linker     *AutoLinker

	partitions ports.Partitions
	runtime    *Runtime
	agentID    string

	logger  *zap.Logger
	metrics *observability.Metrics
}

// StoreDeps collects the pipeline's collaborators.
type StoreDeps struct {
	Vectors     ports.VectorStore
	Embedder    ports.Embedder
	Graph       ports.GraphStore
	Broadcaster ports.Broadcaster
	Cache       ports.RecallCache
	Keywords    ports.KeywordIndex
	Enricher    ports.Enricher
	Partitions  ports.Partitions
	Runtime     *Runtime
	AgentID     string
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// NewStoreService wires the write pipeline.
func NewStoreService(deps StoreDeps) *StoreService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := deps.Runtime
	if runtime == nil {
		runtime = NewRuntime(DefaultSettings())
	}
	return &StoreService{
		vectors:     deps.Vectors,
		embedder:    deps.Embedder,
		graph:       deps.Graph,
		broadcaster: deps.Broadcaster,
		cache:       deps.Cache,
		keywords:    deps.Keywords,
		enricher:    deps.Enricher,
		classifier:  domainservices.NewClassifier(),
		extractor:   domainservices.NewEntityExtractor(),
		deduper:     domainservices.NewDeduper(),
		linker:      NewAutoLinker(deps.Vectors, logger),
		partitions:  deps.Partitions,
		runtime:     runtime,
		agentID:     deps.AgentID,
		logger:      logger,
		metrics:     deps.Metrics,
	}
}

// Store runs the full write pipeline. Steps through the vector upsert are
// the atomic boundary: on error from them nothing is persisted. Everything
// after runs best-effort but completes before return.
func (s *StoreService) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.agentID
	}

	hint := &domainservices.SecurityHint{AgentID: agentID, Type: req.Type}
	cls := s.classifier.Classify(req.Content, hint)
	if cls.Security == core.ClassSecret {
		s.metrics.RecordStore(ActionBlockedSecret)
		s.logger.Info("secret content blocked", zap.String("agent_id", agentID))
		return &StoreResult{Action: ActionBlockedSecret, Reason: "secret content is never stored"}, nil
	}

	partition, err := s.partitions.ForClassification(cls.Security)
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	cell, err := core.NewCell(req.Content, agentID)
	if err != nil {
		return nil, err
	}
	s.applyClassification(cell, cls, req)

	settings := s.runtime.Snapshot()
	decision := s.dedup(ctx, partition, cell, vector, settings)
	conflictFlagged := false
	var mergedFrom string
	switch decision.Action {
	case domainservices.DedupDuplicate:
		s.metrics.RecordStore(ActionDuplicate)
		return &StoreResult{Action: ActionDuplicate, Cell: decision.Existing, Reason: decision.Reason}, nil
	case domainservices.DedupConflict:
		conflictFlagged = true
		s.publishConflict(ctx, cell, decision)
	case domainservices.DedupMerge:
		domainservices.ApplyMerge(cell, decision.Existing, time.Now().UTC())
		mergedFrom = decision.Existing.ID
	}

	if s.enricher != nil {
		if extra, err := s.enricher.Extract(ctx, req.Content); err == nil {
			for _, e := range extra {
				cell.Entities = appendUnique(cell.Entities, e)
			}
		} else {
			s.logger.Debug("enrichment failed", zap.Error(err))
		}
	}

	if err := s.vectors.Upsert(ctx, partition, ports.VectorRecord{
		ID:      cell.ID,
		Vector:  vector,
		Payload: core.EncodePayload(cell),
	}); err != nil {
		return nil, err
	}

	if mergedFrom != "" {
		if err := s.vectors.SoftDelete(ctx, partition, mergedFrom); err != nil {
			s.logger.Warn("merge loser soft-delete failed",
				zap.String("memory_id", mergedFrom), zap.Error(err))
		}
	}

	s.sideEffects(ctx, partition, cell, vector, settings)

	action := ActionCreated
	switch {
	case conflictFlagged:
		action = ActionConflictFlagged
	case mergedFrom != "":
		action = ActionMerged
	}
	s.metrics.RecordStore(action)
	s.logger.Info("memory stored",
		zap.String("memory_id", cell.ID),
		zap.String("action", action),
		zap.String("partition", partition),
		zap.String("type", string(cell.Type)))
	return &StoreResult{Action: action, Cell: cell}, nil
}

func (s *StoreService) applyClassification(cell *core.MemoryCell, cls *domainservices.ClassifierResult, req StoreRequest) {
	cell.Classification = cls.Security
	cell.Type = cls.Type
	if req.Type != "" && req.Type.Valid() {
		cell.Type = req.Type
	}
	cell.Urgency = cls.Urgency
	if req.Urgency != "" && req.Urgency.Valid() {
		cell.Urgency = req.Urgency
	}
	if req.Importance > 0 {
		cell.Importance = req.Importance
	}
	cell.Domain = cls.Domain
	cell.Category = cls.Category
	cell.Entities = cls.Entities
	cell.Tags = cls.Tags
	cell.Priority = cls.Priority
	cell.ConfidenceTag = cls.ConfidenceTag
	cell.Confidence = cls.Confidence
	cell.UserID = req.UserID
	cell.EventTime = req.EventTime
	if cls.Security == core.ClassPrivate {
		cell.Scope = core.ScopePrivate
	}
	for k, v := range req.Metadata {
		cell.SetMeta(k, v)
	}
}

// dedup searches the write partition for near neighbors and evaluates the
// duplicate/merge/conflict gate against them.
func (s *StoreService) dedup(ctx context.Context, partition string, cell *core.MemoryCell, vector []float64, settings Settings) domainservices.DedupDecision {
	hits, err := s.vectors.Search(ctx, partition, vector, dedupCandidates, settings.DedupMinScore, nil)
	if err != nil {
		s.logger.Warn("dedup search failed, storing without gate", zap.Error(err))
		return domainservices.DedupDecision{Action: domainservices.DedupNone}
	}
	candidates := make([]domainservices.Candidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, domainservices.Candidate{
			Cell:   core.DecodePayload(hit.ID, hit.Payload),
			Vector: hit.Vector,
		})
	}
	return s.deduper.Evaluate(cell.Content, cell.Type, vector, candidates)
}

func (s *StoreService) publishConflict(ctx context.Context, cell *core.MemoryCell, decision domainservices.DedupDecision) {
	if s.broadcaster == nil {
		return
	}
	msg := core.NewBroadcast(cell, core.EventConflictResolved)
	if decision.Existing != nil {
		msg.MemoryID = decision.Existing.ID
	}
	if err := s.broadcaster.Publish(ctx, core.ChannelConflict, msg); err != nil {
		s.logger.Debug("conflict broadcast failed", zap.Error(err))
	}
}

// sideEffects runs the post-persist steps in parallel; all of them swallow
// errors, and all complete before Store returns.
func (s *StoreService) sideEffects(ctx context.Context, partition string, cell *core.MemoryCell, vector []float64, settings Settings) {
	g, gctx := errgroup.WithContext(ctx)

	if settings.EnableAutoLink {
		g.Go(func() error {
			s.linker.Link(gctx, partition, cell, vector, settings.AutoLinkThreshold, settings.AutoLinkK)
			return nil
		})
	}
	if settings.EnableGraph && s.graph != nil {
		g.Go(func() error {
			if err := s.graph.IngestMemory(gctx, cell.ID, cell.Content, cell.Entities, cell.AgentID, cell.EventTime); err != nil {
				s.logger.Debug("graph ingest failed", zap.String("memory_id", cell.ID), zap.Error(err))
			}
			return nil
		})
	}
	if s.broadcaster != nil && settings.EnableBroadcast {
		g.Go(func() error {
			s.broadcaster.Fanout(gctx, cell)
			return nil
		})
	}
	if s.cache != nil {
		g.Go(func() error {
			s.cache.InvalidateAll(gctx)
			return nil
		})
	}
	if s.keywords != nil {
		g.Go(func() error {
			s.keywords.Add(cell.ID, cell.Content)
			s.metrics.SetIndexSize(s.keywords.Len())
			return nil
		})
	}
	_ = g.Wait()
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
