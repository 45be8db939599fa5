package services_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"engram/domain/core"
	"engram/domain/services"
)

func rankStrategy() services.Strategy {
	return services.Strategy{
		Intent:  services.IntentFactual,
		Weights: services.Weights{Vector: 0.45, BM25: 0.25, Graph: 0.05, Importance: 0.10, TypeRelevance: 0.15},
		Sort:    services.SortRelevance,
		TypeRelevance: map[core.MemoryType]float64{
			core.TypeSemantic: 1.0, core.TypeEpisodic: 0.3,
		},
		BoostTypes:    []core.MemoryType{core.TypeSemantic},
		PenalizeTypes: []core.MemoryType{core.TypeEpisodic},
		MinScore:      0.1,
		MaxResults:    10,
	}
}

func TestScore_InUnitInterval(t *testing.T) {
	r := services.NewRanker(nil)
	cell := newCell(t, "The server IP is 192.168.1.1 and it matters", core.TypeSemantic)
	cell.Importance = 1.0
	cell.Confidence = 1.0
	cell.AccessCount = 100
	cell.RecordAccess(time.Now().UTC())

	score := r.Score(services.RankCandidate{Cell: cell, Semantic: 1.0, Keyword: 1.0, Graph: 1.0},
		rankStrategy(), services.RankContext{
			RecentTopics: []string{"server"},
			FocusTerms:   []string{"server", "ip"},
			HasGraph:     true,
		})

	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScore_TypeBoostOrdersResults(t *testing.T) {
	r := services.NewRanker(nil)
	now := time.Now().UTC()

	semantic := newCell(t, "the server address fact", core.TypeSemantic)
	episodic := newCell(t, "we looked at the server today", core.TypeEpisodic)
	semantic.Importance, episodic.Importance = 0.6, 0.6

	sSem := r.Score(services.RankCandidate{Cell: semantic, Semantic: 0.8}, rankStrategy(), services.RankContext{Now: now})
	sEpi := r.Score(services.RankCandidate{Cell: episodic, Semantic: 0.8}, rankStrategy(), services.RankContext{Now: now})

	assert.Greater(t, sSem, sEpi)
}

func TestScore_TrustResolverWins(t *testing.T) {
	resolver := func(agentID string) (float64, bool) {
		if agentID == "agent-a" {
			return 0.2, true
		}
		return 0, false
	}
	r := services.NewRanker(resolver)
	trusted := services.NewRanker(nil)
	cell := newCell(t, "some well known fact about things", core.TypeSemantic)
	cell.Importance = 0.9

	low := r.Score(services.RankCandidate{Cell: cell, Semantic: 0.9}, rankStrategy(), services.RankContext{})
	high := trusted.Score(services.RankCandidate{Cell: cell, Semantic: 0.9}, rankStrategy(), services.RankContext{})

	assert.Less(t, low, high)
}

func TestRank_FloorFiltersLowScores(t *testing.T) {
	r := services.NewRanker(nil)
	strategy := rankStrategy()
	strategy.MinScore = 0.5

	weak := newCell(t, "barely related note", core.TypeSemantic)
	strong := newCell(t, "the exact answer to the question", core.TypeSemantic)
	strong.Importance = 0.9

	got := r.Rank([]services.RankCandidate{
		{Cell: weak, Semantic: 0.05},
		{Cell: strong, Semantic: 0.95, Keyword: 0.9},
	}, strategy, services.RankContext{}, 10)

	for _, res := range got {
		assert.GreaterOrEqual(t, res.Score, strategy.MinScore)
	}
}

func TestDiversityRerank_LimitAndNearDupSuppression(t *testing.T) {
	r := services.NewRanker(nil)

	ranked := make([]services.RankedResult, 0, 8)
	for i := 0; i < 6; i++ {
		// Six near-identical texts; Jaccard between any two is 1.0.
		cell := newCell(t, "database connection pool exhausted during nightly batch import", core.TypeSemantic)
		ranked = append(ranked, services.RankedResult{Cell: cell, Score: 0.9})
	}
	for i := 0; i < 2; i++ {
		cell := newCell(t, fmt.Sprintf("unrelated distinct topic number %d entirely different words", i), core.TypeEpisodic)
		ranked = append(ranked, services.RankedResult{Cell: cell, Score: 0.5})
	}

	got := r.DiversityRerank(ranked, 5)

	assert.LessOrEqual(t, len(got), 5)
	// The distinct cells must surface despite lower base scores: a fourth
	// member of a near-duplicate cluster is never admitted.
	types := map[core.MemoryType]int{}
	for _, res := range got {
		types[res.Cell.Type]++
	}
	assert.GreaterOrEqual(t, types[core.TypeEpisodic], 1)
	assert.LessOrEqual(t, types[core.TypeSemantic], 3)
}

func TestDiversityRerank_SecondRepeatPenaltyIsModerate(t *testing.T) {
	r := services.NewRanker(nil)

	dupText := "database connection pool exhausted during nightly batch import"
	dupA := newCell(t, dupText, core.TypeEpisodic)
	dupB := newCell(t, dupText, core.TypeSemantic)
	dupC := newCell(t, dupText, core.TypeProcedural)
	other := newCell(t, "unrelated distinct topic entirely different words", core.TypeCore)

	got := r.DiversityRerank([]services.RankedResult{
		{Cell: dupA, Score: 0.90},
		{Cell: dupB, Score: 0.89},
		{Cell: dupC, Score: 0.80},
		{Cell: other, Score: 0.35},
	}, 3)

	// dupC carries the overlap penalty (0.15) plus the two-repeat penalty
	// (0.25): 0.80 - 0.40 = 0.40 still beats 0.35. A heavier tier would
	// wrongly demote it below the weak distinct candidate.
	assert.Len(t, got, 3)
	assert.Equal(t, dupC.ID, got[2].Cell.ID)
}

func TestScore_SparseMetadataMode(t *testing.T) {
	r := services.NewRanker(nil)
	// A decoded cell with everything defaulted triggers sparse mode.
	cell := core.DecodePayload("id-1", map[string]any{
		"content":  "bare fact with nothing else known about it",
		"agent_id": "agent-x",
	})

	score := r.Score(services.RankCandidate{Cell: cell, Semantic: 1.0}, rankStrategy(), services.RankContext{})

	// (0.90*1.0 + 0.10*imp) * trust * 0.85 stays well under 1.0.
	assert.Less(t, score, 0.85)
	assert.Greater(t, score, 0.4)
}
