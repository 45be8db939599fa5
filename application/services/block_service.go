package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	"engram/pkg/errors"
	"engram/pkg/observability"
)

// blockListLimit caps how many blocks a listing returns.
const blockListLimit = 100

// BlockService manages named shared memory blocks. A block's id is derived
// from its name, so writes from any agent land on the same point and the
// version counter orders them.
type BlockService struct {
	vectors  ports.VectorStore
	embedder ports.Embedder
	cache    ports.RecallCache

	partitions ports.Partitions
	agentID    string
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewBlockService wires the shared-block operations. agentID is the
// engine's own identity, used as the writer when a caller omits one.
func NewBlockService(vectors ports.VectorStore, embedder ports.Embedder, cache ports.RecallCache, partitions ports.Partitions, agentID string, logger *zap.Logger, metrics *observability.Metrics) *BlockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockService{
		vectors:    vectors,
		embedder:   embedder,
		cache:      cache,
		partitions: partitions,
		agentID:    agentID,
		logger:     logger,
		metrics:    metrics,
	}
}

// Upsert writes a block version. The previous version is overwritten in
// place; readers always see the latest content.
func (s *BlockService) Upsert(ctx context.Context, name, content, agentID string) (*core.MemoryCell, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewSemantic("blocks.upsert", "block name cannot be empty")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.NewSemantic("blocks.upsert", "block content cannot be empty")
	}

	id := core.SharedBlockID(name)
	existing, err := s.Get(ctx, name)
	if err != nil && !errors.IsResource(err) {
		return nil, err
	}
	if agentID = strings.TrimSpace(agentID); agentID == "" {
		if existing != nil {
			agentID = existing.LastWriter
		}
		if agentID == "" {
			agentID = s.agentID
		}
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	cell, err := core.NewCell(content, agentID)
	if err != nil {
		return nil, err
	}
	cell.ID = id
	cell.Type = core.TypeCore
	cell.Classification = core.ClassPublic
	cell.Scope = core.ScopeSharedBlock
	cell.BlockName = name
	cell.BlockVersion = 1
	cell.LastWriter = agentID
	cell.Confidence = 1.0
	cell.Priority = 0.9
	cell.Importance = 0.9
	if existing != nil {
		cell.BlockVersion = existing.BlockVersion + 1
		cell.CreatedAt = existing.CreatedAt
	}
	cell.AccessCount = cell.BlockVersion

	if err := s.vectors.Upsert(ctx, s.partitions.Shared, ports.VectorRecord{
		ID:      id,
		Vector:  vector,
		Payload: core.EncodePayload(cell),
	}); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateAll(ctx)
	}
	s.logger.Info("shared block written",
		zap.String("block", name),
		zap.Int("version", cell.BlockVersion),
		zap.String("writer", agentID))
	return cell, nil
}

// Get fetches a block by name; a missing block is a resource error.
func (s *BlockService) Get(ctx context.Context, name string) (*core.MemoryCell, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewSemantic("blocks.get", "block name cannot be empty")
	}
	rec, err := s.vectors.Get(ctx, s.partitions.Shared, core.SharedBlockID(name))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NewResource("blocks.get", "block not found: "+name)
	}
	cell := core.DecodePayload(rec.ID, rec.Payload)
	if cell == nil || !cell.Live() || cell.BlockName == "" {
		return nil, errors.NewResource("blocks.get", "block not found: "+name)
	}
	return cell, nil
}

// List returns every live block, newest write first, capped at 100.
func (s *BlockService) List(ctx context.Context) ([]*core.MemoryCell, error) {
	filter := &ports.Filter{Must: map[string]any{"scope": string(core.ScopeSharedBlock)}}
	var blocks []*core.MemoryCell
	cursor := ""
	for {
		records, next, err := s.vectors.Scroll(ctx, s.partitions.Shared, blockListLimit, cursor, filter)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			cell := core.DecodePayload(rec.ID, rec.Payload)
			if cell == nil || !cell.Live() || cell.BlockName == "" {
				continue
			}
			blocks = append(blocks, cell)
			if len(blocks) >= blockListLimit {
				break
			}
		}
		if next == "" || len(blocks) >= blockListLimit {
			break
		}
		cursor = next
	}
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].UpdatedAt.Equal(blocks[j].UpdatedAt) {
			return blocks[i].UpdatedAt.After(blocks[j].UpdatedAt)
		}
		return blocks[i].BlockName < blocks[j].BlockName
	})
	return blocks, nil
}

// Delete soft-deletes a block.
func (s *BlockService) Delete(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	if err := s.vectors.SoftDelete(ctx, s.partitions.Shared, core.SharedBlockID(name)); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateAll(ctx)
	}
	return nil
}

// Touch records a read against the block without changing content.
func (s *BlockService) Touch(ctx context.Context, name string) error {
	cell, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cell.RecordAccess(now)
	return s.vectors.Patch(ctx, s.partitions.Shared, cell.ID, map[string]any{
		"access_count": cell.AccessCount,
		"updated_at":   now.Format(time.RFC3339Nano),
	})
}
