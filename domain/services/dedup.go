package services

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"engram/domain/core"
)

// Dedup thresholds. Similarity at exactly the duplicate threshold counts as
// a duplicate; exactly the conflict floor counts as in conflict range.
const (
	DuplicateThreshold = 0.92
	ConflictFloor      = 0.70
)

// DedupAction is the outcome of evaluating a new text against the corpus.
type DedupAction string

const (
	DedupNone      DedupAction = "none"
	DedupDuplicate DedupAction = "duplicate"
	DedupMerge     DedupAction = "merge"
	DedupConflict  DedupAction = "conflict"
)

// DedupDecision reports what the store pipeline should do with a new cell.
type DedupDecision struct {
	Action     DedupAction
	Existing   *core.MemoryCell
	Similarity float64
	Reason     string
}

// Candidate pairs a stored cell with its vector for similarity checks.
type Candidate struct {
	Cell   *core.MemoryCell
	Vector []float64
}

// Deduper applies the content-hash and similarity gates and detects
// negation-based contradictions.
type Deduper struct {
	negation *regexp.Regexp
}

// NewDeduper compiles the negation lexicon.
func NewDeduper() *Deduper {
	return &Deduper{
		negation: regexp.MustCompile(`(?i)\b(?:not|no|never|isn'?t|aren'?t|wasn'?t|weren'?t|don'?t|doesn'?t|didn'?t|won'?t|can'?t|cannot|shouldn'?t|wouldn'?t)\b`),
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either has zero norm or dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := floats.Dot(a, b) / (na * nb)
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

// Evaluate inspects candidates and decides duplicate, merge, conflict or
// none. The strongest candidate by similarity wins; an exact content-hash
// match is treated as similarity 1.0 regardless of vectors.
func (d *Deduper) Evaluate(text string, memType core.MemoryType, vector []float64, candidates []Candidate) DedupDecision {
	hash := core.ContentHash(text)

	var best *Candidate
	bestSim := 0.0
	bestExact := false
	for i := range candidates {
		cand := &candidates[i]
		if cand.Cell == nil || !cand.Cell.Live() {
			continue
		}
		sim := CosineSimilarity(vector, cand.Vector)
		exact := cand.Cell.ContentHash != "" && cand.Cell.ContentHash == hash
		if exact {
			sim = 1.0
		}
		if sim > bestSim || (exact && !bestExact) {
			best, bestSim, bestExact = cand, sim, exact
		}
	}
	if best == nil {
		return DedupDecision{Action: DedupNone}
	}

	switch {
	case bestExact:
		// Identical text: the existing cell stands untouched and the
		// caller stores nothing.
		return DedupDecision{
			Action:     DedupDuplicate,
			Existing:   best.Cell,
			Similarity: 1.0,
			Reason:     "identical content already stored",
		}
	case bestSim >= DuplicateThreshold:
		if best.Cell.Type == memType {
			return DedupDecision{
				Action:     DedupMerge,
				Existing:   best.Cell,
				Similarity: bestSim,
				Reason:     "near-duplicate content with matching type",
			}
		}
		return DedupDecision{
			Action:     DedupDuplicate,
			Existing:   best.Cell,
			Similarity: bestSim,
			Reason:     "duplicate content with differing type",
		}
	case bestSim >= ConflictFloor && d.NegationMismatch(text, best.Cell.Content):
		return DedupDecision{
			Action:     DedupConflict,
			Existing:   best.Cell,
			Similarity: bestSim,
			Reason:     fmt.Sprintf("negation mismatch at similarity %.2f", bestSim),
		}
	default:
		return DedupDecision{Action: DedupNone, Similarity: bestSim}
	}
}

// NegationMismatch reports whether exactly one of the two texts contains a
// negation token.
func (d *Deduper) NegationMismatch(a, b string) bool {
	return d.negation.MatchString(a) != d.negation.MatchString(b)
}

// mergePreviewLimit bounds the recorded preview of absorbed text.
const mergePreviewLimit = 120

// ApplyMerge folds an existing duplicate into the fresh cell: the new id
// survives, importance is the max of both, the access count carries forward,
// links are unioned with the old id, and the absorption is recorded in
// metadata. The caller soft-deletes the old cell afterwards.
func ApplyMerge(fresh, existing *core.MemoryCell, now time.Time) {
	if existing.Importance > fresh.Importance {
		fresh.Importance = existing.Importance
	}
	fresh.AccessCount += existing.AccessCount
	for _, id := range existing.LinkedMemories {
		fresh.LinkTo(id)
	}
	fresh.LinkTo(existing.ID)
	preview := existing.Content
	if len(preview) > mergePreviewLimit {
		preview = preview[:mergePreviewLimit]
	}
	fresh.SetMeta("merged_from", existing.ID)
	fresh.SetMeta("merged_preview", preview)
	fresh.UpdatedAt = now

	if strings.TrimSpace(fresh.Category) == "" {
		fresh.Category = existing.Category
	}
}
