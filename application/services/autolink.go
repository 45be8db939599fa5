package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
)

// AutoLinker wires a freshly stored cell to its nearest neighbors in the
// same partition. Peer-side failures are non-fatal; they leave a
// needs_relink marker for consolidation to repair.
type AutoLinker struct {
	vectors ports.VectorStore
	logger  *zap.Logger
}

// NewAutoLinker creates the linker.
func NewAutoLinker(vectors ports.VectorStore, logger *zap.Logger) *AutoLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoLinker{vectors: vectors, logger: logger}
}

// Link finds up to k peers with similarity >= threshold and patches both
// sides of each link. It returns the peer ids actually linked.
func (l *AutoLinker) Link(ctx context.Context, partition string, cell *core.MemoryCell, vector []float64, threshold float64, k int) []string {
	if k <= 0 {
		k = 5
	}
	hits, err := l.vectors.Search(ctx, partition, vector, k+1, threshold, nil)
	if err != nil {
		l.logger.Warn("auto-link search failed",
			zap.String("memory_id", cell.ID), zap.Error(err))
		return nil
	}

	peers := make([]string, 0, k)
	for _, hit := range hits {
		if hit.ID == cell.ID {
			continue
		}
		peers = append(peers, hit.ID)
		if len(peers) == k {
			break
		}
	}
	if len(peers) == 0 {
		return nil
	}

	for _, id := range peers {
		cell.LinkTo(id)
	}
	if err := l.vectors.Patch(ctx, partition, cell.ID, map[string]any{
		"linked_memories": cell.LinkedMemories,
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		l.logger.Warn("auto-link self patch failed",
			zap.String("memory_id", cell.ID), zap.Error(err))
		return peers
	}

	broken := false
	for _, peer := range peers {
		if err := l.patchPeer(ctx, partition, peer, cell.ID); err != nil {
			broken = true
			l.logger.Warn("auto-link peer patch failed",
				zap.String("memory_id", cell.ID),
				zap.String("peer_id", peer),
				zap.Error(err))
		}
	}
	if broken {
		// Consolidation clears the flag once links are symmetric again.
		// The cell was just created, so its in-memory metadata is the
		// complete map and may be written wholesale.
		cell.SetMeta("needs_relink", true)
		_ = l.vectors.Patch(ctx, partition, cell.ID, map[string]any{
			"metadata": cell.Metadata,
		})
	}
	return peers
}

// patchPeer read-then-writes the peer's link list; idempotent, retried
// briefly on transient failures.
func (l *AutoLinker) patchPeer(ctx context.Context, partition, peerID, newID string) error {
	op := func() error {
		rec, err := l.vectors.Get(ctx, partition, peerID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		peer := core.DecodePayload(peerID, rec.Payload)
		before := len(peer.LinkedMemories)
		peer.LinkTo(newID)
		if len(peer.LinkedMemories) == before {
			return nil
		}
		return l.vectors.Patch(ctx, partition, peerID, map[string]any{
			"linked_memories": peer.LinkedMemories,
			"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}
