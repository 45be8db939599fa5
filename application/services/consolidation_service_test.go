package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/application/ports"
	"engram/application/services"
	"engram/domain/core"
)

func seedRecord(t *testing.T, vectors *fakeVectorStore, content string, vector []float64, mutate func(*core.MemoryCell)) *core.MemoryCell {
	t.Helper()
	cell, err := core.NewCell(content, "helper")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cell)
	}
	require.NoError(t, vectors.Upsert(context.Background(), "engram_shared", ports.VectorRecord{
		ID:      cell.ID,
		Vector:  vector,
		Payload: core.EncodePayload(cell),
	}))
	return cell
}

func TestConsolidationFlagsContradictions(t *testing.T) {
	vectors := newFakeVectorStore()
	low := seedRecord(t, vectors, "The nightly backup is enabled", []float64{0.3, 0.2, 0.1}, func(c *core.MemoryCell) {
		c.Confidence = 0.4
		c.SetMeta("source", "import")
	})
	high := seedRecord(t, vectors, "The nightly backup is not enabled anymore", []float64{0.1, 0.2, 0.3}, func(c *core.MemoryCell) {
		c.Confidence = 0.9
	})

	svc := services.NewConsolidator(vectors, nil, nil, nil)
	report, err := svc.Run(context.Background(), "engram_shared")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Contradictions)

	require.NotEmpty(t, vectors.patches[low.ID], "the lower-confidence cell takes the flag")
	meta, ok := vectors.patches[low.ID][0]["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, meta["has_contradiction"])
	assert.Equal(t, high.ID, meta["contradiction_with"])
	assert.Equal(t, "import", meta["source"], "pre-existing metadata survives the flag patch")
}

func TestConsolidationMergesNearDuplicates(t *testing.T) {
	vectors := newFakeVectorStore()
	keeper := seedRecord(t, vectors, "Deploys go through the canary stage first", []float64{0.1, 0.2, 0.3}, func(c *core.MemoryCell) {
		c.AccessCount = 9
	})
	loser := seedRecord(t, vectors, "Deploys go through the canary stage first.", []float64{0.1, 0.2, 0.30001}, func(c *core.MemoryCell) {
		c.AccessCount = 2
	})

	svc := services.NewConsolidator(vectors, nil, nil, nil)
	report, err := svc.Run(context.Background(), "engram_shared")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	assert.Contains(t, vectors.deleted, loser.ID)

	require.NotEmpty(t, vectors.patches[keeper.ID])
	patch := vectors.patches[keeper.ID][0]
	assert.Equal(t, 11, patch["access_count"], "loser access count folds into keeper")
}

func TestConsolidationPromotesPopular(t *testing.T) {
	vectors := newFakeVectorStore()
	popular := seedRecord(t, vectors, "The oncall runbook lives in the wiki", []float64{0.5, 0.1, 0.1}, func(c *core.MemoryCell) {
		c.AccessCount = 15
	})

	svc := services.NewConsolidator(vectors, nil, nil, nil)
	report, err := svc.Run(context.Background(), "engram_shared")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	require.NotEmpty(t, vectors.patches[popular.ID])
	assert.Equal(t, "core", vectors.patches[popular.ID][0]["memory_type"])
}

func TestConsolidationDemotesStale(t *testing.T) {
	vectors := newFakeVectorStore()
	stale := seedRecord(t, vectors, "A passing remark about an old meeting", []float64{0.1, 0.5, 0.1}, func(c *core.MemoryCell) {
		c.Importance = 0.2
		c.Priority = 0.6
		c.UpdatedAt = time.Now().UTC().Add(-45 * 24 * time.Hour)
	})

	svc := services.NewConsolidator(vectors, nil, nil, nil)
	report, err := svc.Run(context.Background(), "engram_shared")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Demoted)

	require.NotEmpty(t, vectors.patches[stale.ID])
	assert.InDelta(t, 0.3, vectors.patches[stale.ID][0]["priority"], 0.0001)
}

func TestConsolidationRepairsAsymmetricLinks(t *testing.T) {
	vectors := newFakeVectorStore()
	peer := seedRecord(t, vectors, "Half of a linked pair", []float64{0.1, 0.1, 0.9}, nil)
	flagged := seedRecord(t, vectors, "The other half, flagged for repair", []float64{0.9, 0.1, 0.1}, func(c *core.MemoryCell) {
		c.LinkedMemories = []string{peer.ID}
		c.SetMeta("needs_relink", true)
	})

	svc := services.NewConsolidator(vectors, nil, nil, nil)
	report, err := svc.Run(context.Background(), "engram_shared")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Relinked)

	var peerLinked bool
	for _, patch := range vectors.patches[peer.ID] {
		if links, ok := patch["linked_memories"].([]string); ok {
			for _, id := range links {
				if id == flagged.ID {
					peerLinked = true
				}
			}
		}
	}
	assert.True(t, peerLinked, "the peer gains the back link")

	var flagCleared bool
	for _, patch := range vectors.patches[flagged.ID] {
		if meta, ok := patch["metadata"].(map[string]any); ok {
			if _, still := meta["needs_relink"]; !still {
				flagCleared = true
			}
		}
	}
	assert.True(t, flagCleared, "the repair clears the marker")
}
