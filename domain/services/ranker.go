package services

import (
	"math"
	"sort"
	"strings"
	"time"

	"engram/domain/core"
)

// TrustResolver maps an agent id to a source-trust factor in [0, 1]. The
// boolean reports whether the resolver knows the agent; unknown agents fall
// back to a per-type default.
type TrustResolver func(agentID string) (float64, bool)

// defaultTrust is the trust applied when neither resolver nor type table
// knows better.
const defaultTrust = 0.7

var typeTrustFallback = map[core.MemoryType]float64{
	core.TypeCore:       0.9,
	core.TypeProcedural: 0.85,
	core.TypeProfile:    0.8,
	core.TypeSemantic:   0.75,
}

// RankCandidate is one cell with its per-channel retrieval scores.
type RankCandidate struct {
	Cell     *core.MemoryCell
	Semantic float64 // vector similarity (or fused hybrid score)
	Keyword  float64 // normalized BM25 contribution
	Graph    float64 // graph activation, 0 when absent
}

// RankedResult is a candidate with its final blended score.
type RankedResult struct {
	Cell  *core.MemoryCell
	Score float64
}

// RankContext carries the session signals the ranker consumes beyond the
// strategy: recently recalled topics and the focus terms of this query.
type RankContext struct {
	Now          time.Time
	RecentTopics []string
	FocusTerms   []string
	HasGraph     bool
}

// Additive boost magnitudes.
const (
	recentTopicBoost = 0.15
	focusOverlapMax  = 0.15
)

// Ranker blends similarity, recency, importance, access frequency, type
// relevance and source trust into a single score per cell, then applies a
// greedy diversity rerank.
type Ranker struct {
	trust TrustResolver
}

// NewRanker creates a ranker; a nil resolver means type fallbacks only.
func NewRanker(trust TrustResolver) *Ranker {
	return &Ranker{trust: trust}
}

// Score computes the final score for one candidate under a strategy.
func (r *Ranker) Score(cand RankCandidate, strategy Strategy, rctx RankContext) float64 {
	cell := cand.Cell
	now := rctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	trust := r.resolveTrust(cell)

	var score float64
	if cell.SparseMetadata() {
		// Sparse-metadata mode: most cognitive fields are defaults, so
		// similarity dominates and the whole score is discounted.
		score = (0.90*cand.Semantic + 0.10*importanceSignal(cell)) * trust * 0.85
	} else {
		w := strategy.Weights
		if rctx.HasGraph {
			// Graph evidence is present; it earns weight at the
			// expense of type relevance.
			shift := math.Min(0.10, w.TypeRelevance)
			w.Graph += shift
			w.TypeRelevance -= shift
		}
		cognitive := 0.5*importanceSignal(cell) +
			0.3*recencySignal(cell, now) +
			0.2*frequencySignal(cell)
		score = w.Vector*cand.Semantic +
			w.BM25*cand.Keyword +
			w.Graph*cand.Graph +
			w.Importance*cognitive +
			w.TypeRelevance*strategy.TypeRelevance[cell.Type]
		score *= trust
	}

	score += typeAdjust(cell.Type, strategy)
	score += r.contextBoosts(cell, rctx)
	return clamp(score, 0, 1)
}

// Rank scores all candidates, filters by the strategy floor and returns the
// diversity-reranked top limit.
func (r *Ranker) Rank(candidates []RankCandidate, strategy Strategy, rctx RankContext, limit int) []RankedResult {
	scored := make([]RankedResult, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Cell == nil {
			continue
		}
		s := r.Score(cand, strategy, rctx)
		if s < strategy.MinScore {
			continue
		}
		scored = append(scored, RankedResult{Cell: cand.Cell, Score: s})
	}

	switch strategy.Sort {
	case SortRecency:
		sort.SliceStable(scored, func(i, j int) bool {
			return lastTouched(scored[i].Cell).After(lastTouched(scored[j].Cell))
		})
	case SortImportance:
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].Cell.Importance > scored[j].Cell.Importance
		})
	default:
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].Score > scored[j].Score
		})
	}

	return r.DiversityRerank(scored, limit)
}

// DiversityRerank greedily selects up to limit results, penalizing
// candidates that repeat already-selected types or near-duplicate text.
func (r *Ranker) DiversityRerank(ranked []RankedResult, limit int) []RankedResult {
	if limit <= 0 || len(ranked) == 0 {
		return nil
	}

	wordSets := make([]map[string]bool, len(ranked))
	for i, res := range ranked {
		wordSets[i] = significantWords(res.Cell.Content)
	}

	selected := make([]RankedResult, 0, limit)
	selectedIdx := make([]int, 0, limit)
	used := make([]bool, len(ranked))

	for len(selected) < limit {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i, res := range ranked {
			if used[i] {
				continue
			}
			adjusted := res.Score
			sameType := 0
			nearDup := 0
			anyHigh := false
			for _, j := range selectedIdx {
				if ranked[j].Cell.Type == res.Cell.Type {
					sameType++
				}
				jac := jaccard(wordSets[i], wordSets[j])
				if jac > 0.8 {
					anyHigh = true
				}
				if jac > 0.9 {
					nearDup++
				}
			}
			if nearDup >= 3 {
				// Selecting would form a 4-strong near-duplicate
				// cluster; never admit it.
				continue
			}
			adjusted -= 0.05 * float64(sameType)
			if anyHigh {
				adjusted -= 0.15
			}
			if nearDup >= 2 {
				adjusted -= 0.25
			}
			if adjusted > bestScore {
				bestIdx, bestScore = i, adjusted
			}
		}
		if bestIdx < 0 {
			break
		}
		used[bestIdx] = true
		selectedIdx = append(selectedIdx, bestIdx)
		selected = append(selected, ranked[bestIdx])
	}
	return selected
}

func (r *Ranker) resolveTrust(cell *core.MemoryCell) float64 {
	if r.trust != nil {
		if t, ok := r.trust(cell.AgentID); ok {
			return clamp(t, 0, 1)
		}
	}
	if t, ok := typeTrustFallback[cell.Type]; ok {
		return t
	}
	return defaultTrust
}

func (r *Ranker) contextBoosts(cell *core.MemoryCell, rctx RankContext) float64 {
	boost := 0.0
	lower := strings.ToLower(cell.Content)
	for _, topic := range rctx.RecentTopics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			boost += recentTopicBoost
			break
		}
	}
	if len(rctx.FocusTerms) > 0 {
		matched := 0
		for _, term := range rctx.FocusTerms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(rctx.FocusTerms))
		boost += math.Min(focusOverlapMax, overlap*focusOverlapMax)
	}
	return boost
}

// importanceSignal blends stored importance with confidence.
func importanceSignal(cell *core.MemoryCell) float64 {
	return 0.6*cell.Importance + 0.4*cell.Confidence
}

// recencySignal decays with hours since last access (fast) and creation
// (slow).
func recencySignal(cell *core.MemoryCell, now time.Time) float64 {
	hCreation := now.Sub(cell.CreatedAt).Hours()
	if hCreation < 0 {
		hCreation = 0
	}
	hAccess := hCreation
	if n := len(cell.AccessTimes); n > 0 {
		hAccess = now.Sub(cell.AccessTimes[n-1]).Hours()
		if hAccess < 0 {
			hAccess = 0
		}
	}
	return 0.6*math.Exp(-0.03*hAccess) + 0.4*math.Exp(-0.005*hCreation)
}

// frequencySignal saturates at 24 accesses.
func frequencySignal(cell *core.MemoryCell) float64 {
	return math.Min(1, math.Log(float64(cell.AccessCount)+1)/math.Log(25))
}

func typeAdjust(t core.MemoryType, strategy Strategy) float64 {
	for _, bt := range strategy.BoostTypes {
		if bt == t {
			return TypeBoost
		}
	}
	for _, pt := range strategy.PenalizeTypes {
		if pt == t {
			return -TypePenalty
		}
	}
	return 0
}

func lastTouched(cell *core.MemoryCell) time.Time {
	if n := len(cell.AccessTimes); n > 0 {
		return cell.AccessTimes[n-1]
	}
	return cell.CreatedAt
}

// significantWords is the Jaccard token set: lowercase words longer than
// three characters.
func significantWords(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
