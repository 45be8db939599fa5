package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	"engram/infrastructure/keyword"
	"engram/pkg/observability"
)

// Sentiment is the polarity of a user response.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

var (
	positivePattern = regexp.MustCompile(`(?i)\b(?:thanks|thank you|perfect|exactly|great|helpful|spot.?on|that'?s (?:it|right)|nailed it|awesome|correct)\b`)
	negativePattern = regexp.MustCompile(`(?i)\b(?:wrong|incorrect|not (?:right|what|helpful|it)|useless|irrelevant|that'?s not|no[,.]|bad answer|unhelpful|doesn'?t help)\b`)
	properNoun      = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z]+)*\b`)
)

// Feedback adjustment magnitudes.
const (
	positiveImportanceDelta  = 0.10
	negativeConfidenceDelta  = -0.10
	referencedImportance     = 0.05
	unreferencedImportance   = -0.02
	promoteUsefulness        = 0.7
	promoteMinHits           = 3
	unreferencedMinRecalls   = 5
	unreferencedRatioCeiling = 0.2
)

// FeedbackResult reports what one response did to the recalled set.
type FeedbackResult struct {
	Sentiment  Sentiment
	Referenced []string
	Promoted   []string
	Flagged    []string
}

// FeedbackService closes the loop between recall results and the user's
// reaction to them, adjusting importance and confidence and promoting
// memories that keep earning their place.
type FeedbackService struct {
	vectors    ports.VectorStore
	cache      ports.RecallCache
	partitions ports.Partitions

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewFeedbackService wires the loop.
func NewFeedbackService(vectors ports.VectorStore, cache ports.RecallCache, partitions ports.Partitions, logger *zap.Logger, metrics *observability.Metrics) *FeedbackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{
		vectors:    vectors,
		cache:      cache,
		partitions: partitions,
		logger:     logger,
		metrics:    metrics,
	}
}

// ClassifySentiment maps a response onto its polarity. Negative wins ties
// so a "thanks, but that's wrong" still counts as a correction.
func ClassifySentiment(response string) Sentiment {
	if negativePattern.MatchString(response) {
		return SentimentNegative
	}
	if positivePattern.MatchString(response) {
		return SentimentPositive
	}
	return SentimentNeutral
}

// Referenced reports whether the response visibly uses the memory: any
// 3-word shingle of the memory occurs in the response, or at least two of
// its proper-noun or long tokens do.
func Referenced(memoryText, response string) bool {
	lowerResponse := strings.ToLower(response)
	words := keyword.Tokenize(memoryText)
	for i := 0; i+3 <= len(words); i++ {
		shingle := strings.Join(words[i:i+3], " ")
		if strings.Contains(lowerResponse, shingle) {
			return true
		}
	}

	hits := 0
	seen := map[string]bool{}
	for _, noun := range properNoun.FindAllString(memoryText, -1) {
		term := strings.ToLower(noun)
		if len(term) < 4 || seen[term] {
			continue
		}
		seen[term] = true
		if strings.Contains(lowerResponse, term) {
			hits++
		}
	}
	for _, tok := range words {
		if len(tok) < 8 || seen[tok] {
			continue
		}
		seen[tok] = true
		if strings.Contains(lowerResponse, tok) {
			hits++
		}
	}
	return hits >= 2
}

// ApplyToIDs resolves memory IDs before applying feedback. Unknown IDs
// are skipped so a stale client reference never fails the whole call.
func (s *FeedbackService) ApplyToIDs(ctx context.Context, ids []string, response string) (*FeedbackResult, error) {
	hits := make([]ports.RecallHit, 0, len(ids))
	for _, id := range ids {
		if cell := s.lookup(ctx, id); cell != nil {
			hits = append(hits, ports.RecallHit{Cell: cell})
		}
	}
	return s.Apply(ctx, hits, response)
}

func (s *FeedbackService) lookup(ctx context.Context, id string) *core.MemoryCell {
	for _, partition := range []string{s.partitions.Shared, s.partitions.Private, s.partitions.Profiles, s.partitions.Skills} {
		if partition == "" {
			continue
		}
		rec, err := s.vectors.Get(ctx, partition, id)
		if err != nil || rec == nil {
			continue
		}
		if cell := core.DecodePayload(rec.ID, rec.Payload); cell != nil && cell.Live() {
			return cell
		}
	}
	return nil
}

// Apply processes one user response against the last recalled set.
func (s *FeedbackService) Apply(ctx context.Context, recalled []ports.RecallHit, response string) (*FeedbackResult, error) {
	result := &FeedbackResult{Sentiment: ClassifySentiment(response)}
	if len(recalled) == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	changed := false
	for _, hit := range recalled {
		cell := hit.Cell
		if cell == nil {
			continue
		}
		referenced := Referenced(cell.Content, response)
		if referenced {
			result.Referenced = append(result.Referenced, cell.ID)
		}

		hits := metaInt(cell, "hit_count") + 1
		useful := metaInt(cell, "useful_count")
		refs := metaInt(cell, "reference_count")
		if referenced {
			refs++
			cell.AdjustImportance(referencedImportance)
		} else if hits >= unreferencedMinRecalls && float64(refs)/float64(hits) < unreferencedRatioCeiling {
			cell.AdjustImportance(unreferencedImportance)
		}

		switch result.Sentiment {
		case SentimentPositive:
			cell.AdjustImportance(positiveImportanceDelta)
			useful++
			delete(cell.Metadata, "needs_review")
		case SentimentNegative:
			cell.AdjustConfidence(negativeConfidenceDelta)
			cell.SetMeta("needs_review", true)
			result.Flagged = append(result.Flagged, cell.ID)
		}

		cell.SetMeta("hit_count", hits)
		cell.SetMeta("useful_count", useful)
		cell.SetMeta("reference_count", refs)

		patch := map[string]any{
			"importance": cell.Importance,
			"confidence": cell.Confidence,
			"metadata":   cell.Metadata,
			"updated_at": now.Format(time.RFC3339Nano),
		}
		if cell.Type != core.TypeCore && hits >= promoteMinHits &&
			float64(useful)/float64(hits) > promoteUsefulness {
			cell.SetMeta("promoted_from", string(cell.Type))
			cell.SetMeta("promotion_reason", "sustained usefulness")
			patch["memory_type"] = string(core.TypeCore)
			result.Promoted = append(result.Promoted, cell.ID)
		}

		partition := s.partitions.Shared
		if cell.Scope == core.ScopePrivate {
			partition = s.partitions.Private
		}
		if err := s.vectors.Patch(ctx, partition, cell.ID, patch); err != nil {
			s.logger.Warn("feedback patch failed",
				zap.String("memory_id", cell.ID), zap.Error(err))
			continue
		}
		changed = true
	}

	if changed && s.cache != nil {
		s.cache.InvalidateAll(ctx)
	}
	s.logger.Debug("feedback applied",
		zap.String("sentiment", string(result.Sentiment)),
		zap.Int("referenced", len(result.Referenced)),
		zap.Int("promoted", len(result.Promoted)))
	return result, nil
}
