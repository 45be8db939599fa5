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

func recallHitFor(t *testing.T, content string, mutate func(*core.MemoryCell)) ports.RecallHit {
	t.Helper()
	cell, err := core.NewCell(content, "helper")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cell)
	}
	return ports.RecallHit{Cell: cell, Score: 0.8, Source: "hybrid"}
}

func TestSentimentClassification(t *testing.T) {
	assert.Equal(t, services.SentimentPositive, services.ClassifySentiment("thanks, exactly what I needed"))
	assert.Equal(t, services.SentimentNegative, services.ClassifySentiment("that's wrong, the port is 5433"))
	assert.Equal(t, services.SentimentNeutral, services.ClassifySentiment("what about the staging cluster?"))
	assert.Equal(t, services.SentimentNegative, services.ClassifySentiment("thanks but that's not right"),
		"corrections outrank politeness")
}

func TestReferenceDetection(t *testing.T) {
	memory := "The Grafana dashboard for checkout latency lives under the payments folder"
	assert.True(t, services.Referenced(memory, "yes, the grafana dashboard for checkout is what I meant"))
	assert.True(t, services.Referenced(memory, "I opened Grafana and found the payments folder"),
		"two proper-noun or long-token hits count as a reference")
	assert.False(t, services.Referenced(memory, "never mind, different question"))
}

func TestPositiveFeedbackStrengthens(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := services.NewFeedbackService(vectors, nil, testPartitions(), nil, nil)
	hit := recallHitFor(t, "The release train leaves every Thursday afternoon", func(c *core.MemoryCell) {
		c.Importance = 0.5
	})

	res, err := svc.Apply(context.Background(), []ports.RecallHit{hit}, "thanks, that release train detail was exactly right")
	require.NoError(t, err)
	assert.Equal(t, services.SentimentPositive, res.Sentiment)

	require.NotEmpty(t, vectors.patches[hit.Cell.ID])
	patch := vectors.patches[hit.Cell.ID][0]
	assert.Greater(t, patch["importance"].(float64), 0.5)
	meta := patch["metadata"].(map[string]any)
	assert.Equal(t, 1, meta["useful_count"])
	assert.Equal(t, 1, meta["hit_count"])
}

func TestNegativeFeedbackFlagsForReview(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := services.NewFeedbackService(vectors, nil, testPartitions(), nil, nil)
	hit := recallHitFor(t, "The database failover is automatic", func(c *core.MemoryCell) {
		c.Confidence = 0.8
	})

	res, err := svc.Apply(context.Background(), []ports.RecallHit{hit}, "that's wrong, failover is manual")
	require.NoError(t, err)
	assert.Equal(t, services.SentimentNegative, res.Sentiment)
	assert.Contains(t, res.Flagged, hit.Cell.ID)

	patch := vectors.patches[hit.Cell.ID][0]
	assert.InDelta(t, 0.7, patch["confidence"].(float64), 0.0001)
	meta := patch["metadata"].(map[string]any)
	assert.Equal(t, true, meta["needs_review"])
}

func TestSustainedUsefulnessPromotesToCore(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := services.NewFeedbackService(vectors, nil, testPartitions(), nil, nil)
	hit := recallHitFor(t, "Payment retries are capped at three attempts", func(c *core.MemoryCell) {
		c.SetMeta("hit_count", 3)
		c.SetMeta("useful_count", 3)
	})

	res, err := svc.Apply(context.Background(), []ports.RecallHit{hit}, "perfect, the payment retries cap answered it")
	require.NoError(t, err)
	assert.Contains(t, res.Promoted, hit.Cell.ID)

	patch := vectors.patches[hit.Cell.ID][0]
	assert.Equal(t, "core", patch["memory_type"])
}

func TestNeutralFeedbackOnlyCounts(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := services.NewFeedbackService(vectors, nil, testPartitions(), nil, nil)
	hit := recallHitFor(t, "Search quota resets hourly for the free tier", nil)

	res, err := svc.Apply(context.Background(), []ports.RecallHit{hit}, "and what about the paid tier?")
	require.NoError(t, err)
	assert.Equal(t, services.SentimentNeutral, res.Sentiment)
	assert.Empty(t, res.Flagged)
	assert.Empty(t, res.Promoted)

	meta := vectors.patches[hit.Cell.ID][0]["metadata"].(map[string]any)
	assert.Equal(t, 1, meta["hit_count"])
	assert.Equal(t, 0, meta["useful_count"])
}
