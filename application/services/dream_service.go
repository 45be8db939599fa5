package services

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	domainservices "engram/domain/services"
	"engram/pkg/observability"
)

const (
	// DefaultDreamBudget bounds a whole dream run.
	DefaultDreamBudget = 5 * time.Minute

	// DefaultDreamInterval is the minimum gap between runs.
	DefaultDreamInterval = 12 * time.Hour

	// miningBudgetFloor is how much budget must remain for the optional
	// mining phase to start.
	miningBudgetFloor = 60 * time.Second

	dreamDedupThreshold = 0.88
	dreamGroupThreshold = 0.80
	pruneActivation     = -4.0
	pruneImportance     = 0.2

	dreamBatch = 200
)

// DreamReport counts what one dream run changed.
type DreamReport struct {
	Ran          bool `json:"ran"`
	Deduped      int  `json:"deduped"`
	Consolidated int  `json:"consolidated"`
	Pruned       int  `json:"pruned"`
	Strengthened int  `json:"strengthened"`
	Mined        bool `json:"mined"`
}

// Dreamer runs the slow offline compaction: aggressive dedup, episodic
// consolidation into semantic memories, pruning of dead weight and
// strengthening of proven cells. Each phase checks the budget clock and
// stops cleanly, keeping completed work.
type Dreamer struct {
	vectors  ports.VectorStore
	embedder ports.Embedder
	cache    ports.RecallCache
	miner    *PatternMiner
	decay    *domainservices.DecayModel

	partitions ports.Partitions
	agentID    string
	budget     time.Duration
	interval   time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewDreamer wires the compactor. A nil miner disables the optional phase.
func NewDreamer(vectors ports.VectorStore, embedder ports.Embedder, cache ports.RecallCache, miner *PatternMiner, partitions ports.Partitions, agentID string, logger *zap.Logger, metrics *observability.Metrics) *Dreamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dreamer{
		vectors:    vectors,
		embedder:   embedder,
		cache:      cache,
		miner:      miner,
		decay:      domainservices.NewDecayModel(),
		partitions: partitions,
		agentID:    agentID,
		budget:     DefaultDreamBudget,
		interval:   DefaultDreamInterval,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetBudget overrides the wall-clock budget. Zero is a valid budget: the
// run skips every phase and only refreshes the marker.
func (d *Dreamer) SetBudget(budget time.Duration) {
	if budget >= 0 {
		d.budget = budget
	}
}

// SetInterval overrides the minimum gap between runs.
func (d *Dreamer) SetInterval(interval time.Duration) {
	if interval > 0 {
		d.interval = interval
	}
}

// ShouldRun reports whether enough time has passed since the last recorded
// dream. A missing marker means the engine has never dreamt.
func (d *Dreamer) ShouldRun(ctx context.Context, now time.Time) bool {
	rec, err := d.vectors.Get(ctx, d.partitions.Private, core.DreamMarkerID(d.agentID))
	if err != nil || rec == nil {
		return true
	}
	cell := core.DecodePayload(rec.ID, rec.Payload)
	if cell == nil {
		return true
	}
	return now.Sub(cell.UpdatedAt) >= d.interval
}

// Run executes one dream over the shared partition when due.
func (d *Dreamer) Run(ctx context.Context) (*DreamReport, error) {
	now := time.Now().UTC()
	report := &DreamReport{}
	if !d.ShouldRun(ctx, now) {
		d.logger.Debug("dream skipped, interval not elapsed")
		return report, nil
	}
	report.Ran = true
	deadline := now.Add(d.budget)
	partition := d.partitions.Shared

	phases := []struct {
		name string
		run  func(context.Context, string, time.Time, *DreamReport) error
	}{
		{"dedup", d.phaseDedup},
		{"consolidate", d.phaseEpisodicMerge},
		{"prune", d.phasePrune},
		{"strengthen", d.phaseStrengthen},
	}
	for _, phase := range phases {
		if time.Now().After(deadline) {
			d.logger.Warn("dream budget exhausted", zap.String("next_phase", phase.name))
			break
		}
		if err := phase.run(ctx, partition, deadline, report); err != nil {
			d.logger.Warn("dream phase failed", zap.String("phase", phase.name), zap.Error(err))
		}
	}

	if d.miner != nil && time.Until(deadline) > miningBudgetFloor {
		if _, err := d.miner.Mine(ctx); err != nil {
			d.logger.Warn("dream mining failed", zap.Error(err))
		} else {
			report.Mined = true
		}
	}

	if err := d.writeMarker(ctx, now); err != nil {
		d.logger.Warn("dream marker write failed", zap.Error(err))
	}
	if d.cache != nil {
		d.cache.InvalidateAll(ctx)
	}
	d.metrics.RecordMaintenance("dream")
	d.logger.Info("dream finished",
		zap.Int("deduped", report.Deduped),
		zap.Int("consolidated", report.Consolidated),
		zap.Int("pruned", report.Pruned),
		zap.Int("strengthened", report.Strengthened),
		zap.Bool("mined", report.Mined))
	return report, nil
}

// forEachBatch scrolls the partition respecting the deadline.
func (d *Dreamer) forEachBatch(ctx context.Context, partition string, deadline time.Time, fn func([]batchItem) error) error {
	cursor := ""
	for {
		if time.Now().After(deadline) {
			return nil
		}
		records, next, err := d.vectors.Scroll(ctx, partition, dreamBatch, cursor, nil)
		if err != nil {
			return err
		}
		if err := fn(decodeBatch(records)); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// phaseDedup merges intra-batch pairs at the aggressive threshold.
func (d *Dreamer) phaseDedup(ctx context.Context, partition string, deadline time.Time, report *DreamReport) error {
	return d.forEachBatch(ctx, partition, deadline, func(batch []batchItem) error {
		consumed := map[string]bool{}
		for i := 0; i < len(batch); i++ {
			for j := i + 1; j < len(batch); j++ {
				if consumed[batch[i].cell.ID] || consumed[batch[j].cell.ID] {
					continue
				}
				if domainservices.CosineSimilarity(batch[i].vector, batch[j].vector) < dreamDedupThreshold {
					continue
				}
				keeper, loser := batch[i].cell, batch[j].cell
				if loser.AccessCount > keeper.AccessCount {
					keeper, loser = loser, keeper
				}
				if err := d.absorb(ctx, partition, keeper, loser); err != nil {
					continue
				}
				consumed[loser.ID] = true
				report.Deduped++
			}
		}
		return nil
	})
}

// phaseEpisodicMerge greedily clusters similar episodic cells and folds each
// cluster into one semantic memory.
func (d *Dreamer) phaseEpisodicMerge(ctx context.Context, partition string, deadline time.Time, report *DreamReport) error {
	return d.forEachBatch(ctx, partition, deadline, func(batch []batchItem) error {
		episodic := make([]batchItem, 0, len(batch))
		for _, item := range batch {
			if item.cell.Type == core.TypeEpisodic {
				episodic = append(episodic, item)
			}
		}

		assigned := map[string]bool{}
		for i := 0; i < len(episodic); i++ {
			if assigned[episodic[i].cell.ID] {
				continue
			}
			cluster := []batchItem{episodic[i]}
			for j := i + 1; j < len(episodic); j++ {
				if assigned[episodic[j].cell.ID] {
					continue
				}
				if domainservices.CosineSimilarity(episodic[i].vector, episodic[j].vector) >= dreamGroupThreshold {
					cluster = append(cluster, episodic[j])
				}
			}
			if len(cluster) < 2 {
				continue
			}

			keeper := cluster[0].cell
			for _, item := range cluster[1:] {
				if item.cell.AccessCount > keeper.AccessCount {
					keeper = item.cell
				}
			}
			for _, item := range cluster {
				assigned[item.cell.ID] = true
				if item.cell.ID == keeper.ID {
					continue
				}
				keeper.AccessTimes = append(keeper.AccessTimes, item.cell.AccessTimes...)
				keeper.AccessCount += item.cell.AccessCount
				for _, id := range item.cell.LinkedMemories {
					keeper.LinkTo(id)
				}
				if item.cell.Importance > keeper.Importance {
					keeper.Importance = item.cell.Importance
				}
			}

			err := d.vectors.Patch(ctx, partition, keeper.ID, map[string]any{
				"memory_type":     string(core.TypeSemantic),
				"access_count":    keeper.AccessCount,
				"access_times":    encodeTimes(keeper.AccessTimes),
				"linked_memories": keeper.LinkedMemories,
				"importance":      keeper.Importance,
				"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				d.logger.Warn("episodic merge patch failed",
					zap.String("memory_id", keeper.ID), zap.Error(err))
				continue
			}
			for _, item := range cluster {
				if item.cell.ID == keeper.ID {
					continue
				}
				if err := d.vectors.SoftDelete(ctx, partition, item.cell.ID); err != nil {
					d.logger.Warn("episodic merge delete failed",
						zap.String("memory_id", item.cell.ID), zap.Error(err))
				}
			}
			report.Consolidated++
		}
		return nil
	})
}

// phasePrune soft-deletes cells that are both decayed past the archive
// floor and unimportant.
func (d *Dreamer) phasePrune(ctx context.Context, partition string, deadline time.Time, report *DreamReport) error {
	now := time.Now().UTC()
	return d.forEachBatch(ctx, partition, deadline, func(batch []batchItem) error {
		for _, item := range batch {
			cell := item.cell
			if cell.Permanent() {
				continue
			}
			if d.decay.Activation(cell, now) >= pruneActivation || cell.Importance >= pruneImportance {
				continue
			}
			if err := d.vectors.SoftDelete(ctx, partition, cell.ID); err != nil {
				d.logger.Warn("prune delete failed",
					zap.String("memory_id", cell.ID), zap.Error(err))
				continue
			}
			report.Pruned++
		}
		return nil
	})
}

// phaseStrengthen rewards cells that keep proving useful.
func (d *Dreamer) phaseStrengthen(ctx context.Context, partition string, deadline time.Time, report *DreamReport) error {
	return d.forEachBatch(ctx, partition, deadline, func(batch []batchItem) error {
		for _, item := range batch {
			cell := item.cell
			patch := map[string]any{}
			if cell.AccessCount > 5 {
				cell.AdjustImportance(0.1)
				patch["importance"] = cell.Importance
			}
			if usefulnessRatio(cell) > 0.5 {
				cell.AdjustConfidence(0.05)
				patch["confidence"] = cell.Confidence
			}
			if len(patch) == 0 {
				continue
			}
			patch["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
			if err := d.vectors.Patch(ctx, partition, cell.ID, patch); err != nil {
				d.logger.Warn("strengthen patch failed",
					zap.String("memory_id", cell.ID), zap.Error(err))
				continue
			}
			report.Strengthened++
		}
		return nil
	})
}

// writeMarker upserts the deterministic marker cell that gates the next
// run. The vector matches the collection dimension so the upsert is
// accepted, and is a tiny perturbation around zero so it never surfaces
// in similarity search.
func (d *Dreamer) writeMarker(ctx context.Context, now time.Time) error {
	dim := d.embedder.Dimension()
	if rec, err := d.vectors.Get(ctx, d.partitions.Private, core.DreamMarkerID(d.agentID)); err == nil && rec != nil && len(rec.Vector) > 0 {
		dim = len(rec.Vector)
	}
	vector := make([]float64, dim)
	for i := range vector {
		vector[i] = (rand.Float64() - 0.5) * 1e-6
	}
	cell, err := core.NewCell("dream consolidation marker", d.agentID)
	if err != nil {
		return err
	}
	cell.ID = core.DreamMarkerID(d.agentID)
	cell.Type = core.TypeEpisodic
	cell.Classification = core.ClassPrivate
	cell.Scope = core.ScopePrivate
	cell.Importance = 0
	cell.Priority = 0
	cell.UpdatedAt = now
	cell.SetMeta("source", "dream_marker")
	return d.vectors.Upsert(ctx, d.partitions.Private, ports.VectorRecord{
		ID:      cell.ID,
		Vector:  vector,
		Payload: core.EncodePayload(cell),
	})
}

// absorb folds loser into keeper and soft-deletes the loser.
func (d *Dreamer) absorb(ctx context.Context, partition string, keeper, loser *core.MemoryCell) error {
	keeper.AccessCount += loser.AccessCount
	for _, id := range loser.LinkedMemories {
		keeper.LinkTo(id)
	}
	keeper.SetMeta("merged_from", loser.ID)
	err := d.vectors.Patch(ctx, partition, keeper.ID, map[string]any{
		"access_count":    keeper.AccessCount,
		"linked_memories": keeper.LinkedMemories,
		"metadata":        keeper.Metadata,
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return d.vectors.SoftDelete(ctx, partition, loser.ID)
}

func usefulnessRatio(cell *core.MemoryCell) float64 {
	useful := metaInt(cell, "useful_count")
	hits := metaInt(cell, "hit_count")
	if hits == 0 {
		return 0
	}
	return float64(useful) / float64(hits)
}

func metaInt(cell *core.MemoryCell, key string) int {
	v, ok := cell.Meta(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func encodeTimes(times []time.Time) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}
