package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/application/ports"
	"engram/application/services"
	"engram/domain/core"
)

func newMinerHarness(graph *fakeGraphStore) (*services.PatternMiner, *fakeVectorStore) {
	vectors := newFakeVectorStore()
	var graphPort ports.GraphStore
	if graph != nil {
		graphPort = graph
	}
	miner := services.NewPatternMiner(
		vectors,
		graphPort,
		&fakeEmbedder{vector: []float64{0.1, 0.2, 0.3}},
		testPartitions(),
		"helper",
		nil, nil,
	)
	return miner, vectors
}

func TestMinerFindsSimilarityClusters(t *testing.T) {
	miner, vectors := newMinerHarness(nil)
	for i, content := range []string{
		"Deploy pipeline stalled on the canary stage",
		"Deploy pipeline was slow through canary checks",
		"Canary stage of the deploy pipeline needs tuning",
	} {
		v := []float64{0.1, 0.2, 0.3 + float64(i)*0.001}
		seedRecord(t, vectors, content, v, nil)
	}
	seedRecord(t, vectors, "Completely unrelated lunch preference", []float64{-0.3, 0.5, -0.1}, nil)

	report, err := miner.Mine(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Clusters, 1)
	assert.Len(t, report.Clusters[0].Members, 3)
	assert.Greater(t, report.Clusters[0].AvgSimilarity, 0.9)
}

func TestMinerGroupsRecurringErrors(t *testing.T) {
	miner, vectors := newMinerHarness(nil)
	seedRecord(t, vectors, "Connection refused error from the payments service", []float64{0.4, 0.4, 0.2}, func(c *core.MemoryCell) {
		c.Domain = core.DomainTechnical
	})
	seedRecord(t, vectors, "Payments service connection error again after deploy", []float64{0.4, 0.41, 0.2}, func(c *core.MemoryCell) {
		c.Domain = core.DomainTechnical
	})

	report, err := miner.Mine(context.Background())
	require.NoError(t, err)
	require.Len(t, report.RecurringErrors, 1)
	assert.Equal(t, 2, report.RecurringErrors[0].Count)
	assert.Equal(t, "recurring_error", report.RecurringErrors[0].Kind)
}

func TestMinerPersistsWithDeterministicIDs(t *testing.T) {
	graph := &fakeGraphStore{
		memories: map[string][]string{},
		neighbors: map[string][]ports.GraphNeighbor{},
	}
	miner, vectors := newMinerHarness(graph)
	seedRecord(t, vectors, "Timeout error talking to redis from the worker", []float64{0.2, 0.6, 0.2}, func(c *core.MemoryCell) {
		c.Domain = core.DomainTechnical
	})
	seedRecord(t, vectors, "Worker hit a redis timeout error overnight", []float64{0.2, 0.61, 0.2}, func(c *core.MemoryCell) {
		c.Domain = core.DomainTechnical
	})

	first, err := miner.Mine(context.Background())
	require.NoError(t, err)
	require.Positive(t, first.Persisted)
	countAfterFirst := vectors.stored()

	second, err := miner.Mine(context.Background())
	require.NoError(t, err)
	require.Positive(t, second.Persisted)
	assert.Equal(t, countAfterFirst, vectors.stored(), "re-mining overwrites, never duplicates")
}

func TestMinerReportsEntityCoOccurrence(t *testing.T) {
	graph := &fakeGraphStore{
		memories:  map[string][]string{},
		neighbors: map[string][]ports.GraphNeighbor{},
		pairs:     []ports.EntityPair{{A: "redis", B: "worker", Shared: 4}},
	}
	miner, _ := newMinerHarness(graph)

	report, err := miner.Mine(context.Background())
	require.NoError(t, err)
	require.Len(t, report.CoOccurrences, 1)
	assert.Equal(t, 4, report.CoOccurrences[0].Shared)
}
