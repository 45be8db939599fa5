package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	domainservices "engram/domain/services"
	"engram/pkg/observability"
)

// consolidationBatch bounds the pairwise passes so a batch stays O(n²)
// over at most 200 cells.
const consolidationBatch = 200

// Promotion and demotion thresholds.
const (
	promoteAccessCount = 10
	demoteImportance   = 0.3
	demoteStaleAfter   = 30 * 24 * time.Hour
)

// ConsolidationReport counts what one cycle changed.
type ConsolidationReport struct {
	Scanned        int `json:"scanned"`
	Contradictions int `json:"contradictions"`
	Merged         int `json:"merged"`
	Promoted       int `json:"promoted"`
	Demoted        int `json:"demoted"`
	Relinked       int `json:"relinked"`
}

// Consolidator runs the periodic hygiene cycle over one partition:
// contradiction flagging, near-duplicate merging, popularity promotion,
// staleness demotion and link symmetry repair.
type Consolidator struct {
	vectors ports.VectorStore
	cache   ports.RecallCache
	deduper *domainservices.Deduper

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewConsolidator wires the cycle.
func NewConsolidator(vectors ports.VectorStore, cache ports.RecallCache, logger *zap.Logger, metrics *observability.Metrics) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		vectors: vectors,
		cache:   cache,
		deduper: domainservices.NewDeduper(),
		logger:  logger,
		metrics: metrics,
	}
}

// batchItem pairs a decoded cell with its vector for pairwise passes.
type batchItem struct {
	cell   *core.MemoryCell
	vector []float64
}

// Run executes one full cycle over the partition.
func (c *Consolidator) Run(ctx context.Context, partition string) (*ConsolidationReport, error) {
	report := &ConsolidationReport{}
	cursor := ""
	for {
		records, next, err := c.vectors.Scroll(ctx, partition, consolidationBatch, cursor, nil)
		if err != nil {
			return report, err
		}
		batch := decodeBatch(records)
		report.Scanned += len(batch)

		c.flagContradictions(ctx, partition, batch, report)
		c.mergeNearDuplicates(ctx, partition, batch, report)
		c.promotePopular(ctx, partition, batch, report)
		c.demoteStale(ctx, partition, batch, report)
		c.repairLinks(ctx, partition, batch, report)

		if next == "" {
			break
		}
		cursor = next
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	if c.cache != nil && (report.Merged > 0 || report.Promoted > 0 || report.Demoted > 0) {
		c.cache.InvalidateAll(ctx)
	}
	c.metrics.RecordMaintenance("consolidation")
	c.logger.Info("consolidation cycle finished",
		zap.String("partition", partition),
		zap.Int("scanned", report.Scanned),
		zap.Int("contradictions", report.Contradictions),
		zap.Int("merged", report.Merged),
		zap.Int("promoted", report.Promoted),
		zap.Int("demoted", report.Demoted),
		zap.Int("relinked", report.Relinked))
	return report, nil
}

func decodeBatch(records []ports.VectorRecord) []batchItem {
	batch := make([]batchItem, 0, len(records))
	for _, rec := range records {
		cell := core.DecodePayload(rec.ID, rec.Payload)
		if cell == nil || !cell.Live() {
			continue
		}
		batch = append(batch, batchItem{cell: cell, vector: rec.Vector})
	}
	return batch
}

// flagContradictions marks the lower-confidence side of each negation
// mismatch in the conflict similarity band.
func (c *Consolidator) flagContradictions(ctx context.Context, partition string, batch []batchItem, report *ConsolidationReport) {
	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch); j++ {
			a, b := batch[i], batch[j]
			sim := domainservices.CosineSimilarity(a.vector, b.vector)
			if sim < domainservices.ConflictFloor || sim > domainservices.DuplicateThreshold {
				continue
			}
			if !c.deduper.NegationMismatch(a.cell.Content, b.cell.Content) {
				continue
			}
			loser, other := a.cell, b.cell
			if b.cell.Confidence < a.cell.Confidence {
				loser, other = b.cell, a.cell
			}
			loser.SetMeta("has_contradiction", true)
			loser.SetMeta("contradiction_with", other.ID)
			err := c.vectors.Patch(ctx, partition, loser.ID, map[string]any{
				"metadata":   loser.Metadata,
				"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				c.logger.Warn("contradiction patch failed",
					zap.String("memory_id", loser.ID), zap.Error(err))
				continue
			}
			report.Contradictions++
		}
	}
}

// mergeNearDuplicates folds each ≥0.92 pair into the higher-access cell.
// A loser cannot be reused within the same pass.
func (c *Consolidator) mergeNearDuplicates(ctx context.Context, partition string, batch []batchItem, report *ConsolidationReport) {
	consumed := map[string]bool{}
	for i := 0; i < len(batch); i++ {
		if consumed[batch[i].cell.ID] {
			continue
		}
		for j := i + 1; j < len(batch); j++ {
			if consumed[batch[i].cell.ID] || consumed[batch[j].cell.ID] {
				continue
			}
			sim := domainservices.CosineSimilarity(batch[i].vector, batch[j].vector)
			if sim < domainservices.DuplicateThreshold {
				continue
			}
			keeper, loser := batch[i].cell, batch[j].cell
			if loser.AccessCount > keeper.AccessCount {
				keeper, loser = loser, keeper
			}

			keeper.AccessCount += loser.AccessCount
			for _, id := range loser.LinkedMemories {
				keeper.LinkTo(id)
			}
			for k, v := range loser.Metadata {
				if _, exists := keeper.Metadata[k]; !exists {
					keeper.SetMeta(k, v)
				}
			}
			keeper.SetMeta("merged_from", loser.ID)

			err := c.vectors.Patch(ctx, partition, keeper.ID, map[string]any{
				"access_count":    keeper.AccessCount,
				"linked_memories": keeper.LinkedMemories,
				"metadata":        keeper.Metadata,
				"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				c.logger.Warn("merge keeper patch failed",
					zap.String("memory_id", keeper.ID), zap.Error(err))
				continue
			}
			if err := c.vectors.SoftDelete(ctx, partition, loser.ID); err != nil {
				c.logger.Warn("merge loser delete failed",
					zap.String("memory_id", loser.ID), zap.Error(err))
				continue
			}
			consumed[loser.ID] = true
			report.Merged++
		}
	}
}

// promotePopular upgrades heavily accessed cells to core.
func (c *Consolidator) promotePopular(ctx context.Context, partition string, batch []batchItem, report *ConsolidationReport) {
	for _, item := range batch {
		cell := item.cell
		if cell.Type == core.TypeCore || cell.AccessCount <= promoteAccessCount {
			continue
		}
		cell.SetMeta("promoted_at", time.Now().UTC().Format(time.RFC3339Nano))
		cell.SetMeta("promoted_from", string(cell.Type))
		cell.SetMeta("promotion_reason", "high access count")
		err := c.vectors.Patch(ctx, partition, cell.ID, map[string]any{
			"memory_type": string(core.TypeCore),
			"metadata":    cell.Metadata,
			"updated_at":  time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			c.logger.Warn("promotion patch failed",
				zap.String("memory_id", cell.ID), zap.Error(err))
			continue
		}
		report.Promoted++
	}
}

// demoteStale halves the priority of unimportant cells nobody touched in a
// month.
func (c *Consolidator) demoteStale(ctx context.Context, partition string, batch []batchItem, report *ConsolidationReport) {
	now := time.Now().UTC()
	for _, item := range batch {
		cell := item.cell
		if cell.Permanent() || cell.Importance >= demoteImportance {
			continue
		}
		last := cell.UpdatedAt
		if n := len(cell.AccessTimes); n > 0 {
			last = cell.AccessTimes[n-1]
		}
		if now.Sub(last) < demoteStaleAfter {
			continue
		}
		previous := cell.Priority
		cell.Priority = previous / 2
		cell.SetMeta("demoted_at", now.Format(time.RFC3339Nano))
		cell.SetMeta("demotion_reason", "stale and unimportant")
		cell.SetMeta("previous_priority", previous)
		err := c.vectors.Patch(ctx, partition, cell.ID, map[string]any{
			"priority":   cell.Priority,
			"metadata":   cell.Metadata,
			"updated_at": now.Format(time.RFC3339Nano),
		})
		if err != nil {
			c.logger.Warn("demotion patch failed",
				zap.String("memory_id", cell.ID), zap.Error(err))
			continue
		}
		report.Demoted++
	}
}

// repairLinks restores link symmetry for cells the auto-linker flagged and
// clears the flag once done.
func (c *Consolidator) repairLinks(ctx context.Context, partition string, batch []batchItem, report *ConsolidationReport) {
	for _, item := range batch {
		cell := item.cell
		flagged, _ := cell.Meta("needs_relink")
		if flagged != true {
			continue
		}
		healthy := true
		for _, peerID := range cell.LinkedMemories {
			rec, err := c.vectors.Get(ctx, partition, peerID)
			if err != nil {
				healthy = false
				continue
			}
			if rec == nil {
				continue
			}
			peer := core.DecodePayload(peerID, rec.Payload)
			if peer == nil || !peer.Live() {
				continue
			}
			if !peer.LinkTo(cell.ID) {
				continue
			}
			err = c.vectors.Patch(ctx, partition, peerID, map[string]any{
				"linked_memories": peer.LinkedMemories,
				"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				healthy = false
				c.logger.Warn("relink peer patch failed",
					zap.String("memory_id", cell.ID),
					zap.String("peer_id", peerID),
					zap.Error(err))
			}
		}
		if !healthy {
			continue
		}
		delete(cell.Metadata, "needs_relink")
		err := c.vectors.Patch(ctx, partition, cell.ID, map[string]any{
			"metadata":   cell.Metadata,
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			c.logger.Warn("relink flag clear failed",
				zap.String("memory_id", cell.ID), zap.Error(err))
			continue
		}
		report.Relinked++
	}
}
