package services

import (
	"regexp"
	"strings"

	"engram/domain/core"
)

// Intent is the closed-set label a query is routed to.
type Intent string

const (
	IntentFactual     Intent = "factual"
	IntentTemporal    Intent = "temporal"
	IntentProcedural  Intent = "procedural"
	IntentPreference  Intent = "preference"
	IntentExploratory Intent = "exploratory"
	IntentRelational  Intent = "relational"
	IntentDiagnostic  Intent = "diagnostic"
	IntentComparative Intent = "comparative"
)

// SortMode orders final results.
type SortMode string

const (
	SortRelevance  SortMode = "relevance"
	SortRecency    SortMode = "recency"
	SortImportance SortMode = "importance"
)

// Weights are the five ranking weights; they sum to 1.0 per strategy.
type Weights struct {
	Vector        float64
	BM25          float64
	Graph         float64
	Importance    float64
	TypeRelevance float64
}

// Strategy is the plain value the router hands to retrieval: weights, sort
// mode, type boosts and penalties, score floor, result cap and whether the
// query should be expanded.
type Strategy struct {
	Intent        Intent
	Weights       Weights
	Sort          SortMode
	BoostTypes    []core.MemoryType
	PenalizeTypes []core.MemoryType
	TypeRelevance map[core.MemoryType]float64
	MinScore      float64
	MaxResults    int
	ExpandQuery   bool
}

// Boost and penalty magnitudes applied per matching memory type.
const (
	TypeBoost   = 0.10
	TypePenalty = 0.08
)

// RoutedQuery is the router's full output for one query.
type RoutedQuery struct {
	Intent     Intent
	Confidence float64
	Strategy   Strategy
	Rewrite    string // empty when no rewrite applies
}

// IntentRouter classifies queries into intents by regex match counting.
type IntentRouter struct {
	patterns    map[Intent][]*regexp.Regexp
	auxiliaries *regexp.Regexp
}

// NewIntentRouter compiles the per-intent pattern sets.
func NewIntentRouter() *IntentRouter {
	mustAll := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(exprs))
		for i, e := range exprs {
			out[i] = regexp.MustCompile(e)
		}
		return out
	}
	return &IntentRouter{
		patterns: map[Intent][]*regexp.Regexp{
			IntentFactual: mustAll(
				`(?i)^what (?:is|are|was|were)\b`, `(?i)\bdefine\b`,
				`(?i)\bwho (?:is|was)\b`, `(?i)\bwhere (?:is|was)\b`,
				`(?i)\bcapital of\b`, `(?i)\bmeaning of\b`,
			),
			IntentTemporal: mustAll(
				`(?i)\bwhen\b`, `(?i)\byesterday\b`, `(?i)\blast (?:week|month|year|time)\b`,
				`(?i)\brecently\b`, `(?i)\btimeline\b`, `(?i)\bhistory of\b`,
				`\b\d{4}-\d{2}-\d{2}\b`, `(?i)\bbefore\b`, `(?i)\bafter\b`,
			),
			IntentProcedural: mustAll(
				`(?i)\bhow (?:do|to|can) \b`, `(?i)\bsteps?\b`, `(?i)\bguide\b`,
				`(?i)\binstall\b`, `(?i)\bconfigure\b`, `(?i)\bset ?up\b`,
				`(?i)\bprocedure\b`, `(?i)\bwalk me through\b`,
			),
			IntentPreference: mustAll(
				`(?i)\bprefer(?:red|ence)?\b`, `(?i)\bfavou?rite\b`,
				`(?i)\bdo i like\b`, `(?i)\bwhat do i\b`, `(?i)\bmy usual\b`,
			),
			IntentRelational: mustAll(
				`(?i)\brelated to\b`, `(?i)\bconnected\b`, `(?i)\bwho works\b`,
				`(?i)\brelationship\b`, `(?i)\bbetween\b.*\band\b`,
				`(?i)\bknows?\b`, `(?i)\breports to\b`,
			),
			IntentDiagnostic: mustAll(
				`(?i)\bwhy (?:is|does|did|isn'?t|doesn'?t)\b`, `(?i)\berror\b`,
				`(?i)\bfail(?:s|ed|ing|ure)?\b`, `(?i)\bbroken?\b`,
				`(?i)\bdebug\b`, `(?i)\bcrash(?:es|ed|ing)?\b`, `(?i)\bnot working\b`,
				`(?i)\broot cause\b`,
			),
			IntentComparative: mustAll(
				`(?i)\bvs\.?\b`, `(?i)\bversus\b`, `(?i)\bcompared? (?:to|with)\b`,
				`(?i)\bbetter than\b`, `(?i)\bdifference between\b`,
				`(?i)\bwhich (?:is|one)\b`, `(?i)\bpros and cons\b`,
			),
		},
		auxiliaries: regexp.MustCompile(`(?i)^(?:what|who|where|when|why|how|which)\s+(?:is|are|was|were|do|does|did|can|could|should|would)\s+`),
	}
}

// Route classifies the query and returns intent, confidence and strategy.
// Confidence grows with the match count (0.3 floor, 1.0 cap); a query that
// matches nothing routes to exploratory.
func (r *IntentRouter) Route(query string) RoutedQuery {
	best := IntentExploratory
	bestHits := 0
	for _, intent := range []Intent{
		IntentDiagnostic, IntentProcedural, IntentComparative, IntentTemporal,
		IntentPreference, IntentRelational, IntentFactual,
	} {
		hits := 0
		for _, p := range r.patterns[intent] {
			if p.MatchString(query) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}

	confidence := 0.3
	if bestHits > 0 {
		confidence = clamp(0.3+0.25*float64(bestHits), 0.3, 1.0)
	}

	return RoutedQuery{
		Intent:     best,
		Confidence: confidence,
		Strategy:   strategyFor(best),
		Rewrite:    r.rewrite(query, best),
	}
}

// rewrite strips question auxiliaries and appends procedural hints; it
// returns the empty string when the rewrite would be a no-op.
func (r *IntentRouter) rewrite(query string, intent Intent) string {
	rewritten := r.auxiliaries.ReplaceAllString(strings.TrimSpace(query), "")
	rewritten = strings.TrimSuffix(rewritten, "?")
	if intent == IntentProcedural {
		rewritten = strings.TrimSpace(rewritten) + " steps guide"
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == strings.TrimSpace(query) {
		return ""
	}
	return rewritten
}

// strategyFor returns the per-intent retrieval strategy. Weights sum to 1.0.
func strategyFor(intent Intent) Strategy {
	switch intent {
	case IntentFactual:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.45, BM25: 0.25, Graph: 0.05, Importance: 0.10, TypeRelevance: 0.15},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypeSemantic, core.TypeCore},
			PenalizeTypes: []core.MemoryType{core.TypeEpisodic},
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeSemantic: 1.0, core.TypeCore: 0.9, core.TypeProfile: 0.6,
				core.TypeProcedural: 0.4, core.TypeEpisodic: 0.3,
				core.TypeRelationship: 0.3, core.TypePreference: 0.2,
			},
			MinScore:   0.25,
			MaxResults: 10,
		}
	case IntentTemporal:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.35, BM25: 0.20, Graph: 0.10, Importance: 0.10, TypeRelevance: 0.25},
			Sort:    SortRecency,
			BoostTypes: []core.MemoryType{core.TypeEpisodic},
			PenalizeTypes: []core.MemoryType{core.TypeCore},
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeEpisodic: 1.0, core.TypeSemantic: 0.5, core.TypeProcedural: 0.3,
				core.TypeCore: 0.3, core.TypeProfile: 0.3, core.TypeRelationship: 0.4,
				core.TypePreference: 0.2,
			},
			MinScore:   0.20,
			MaxResults: 15,
		}
	case IntentProcedural:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.40, BM25: 0.30, Graph: 0.05, Importance: 0.05, TypeRelevance: 0.20},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypeProcedural},
			PenalizeTypes: []core.MemoryType{core.TypePreference},
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeProcedural: 1.0, core.TypeSemantic: 0.6, core.TypeCore: 0.6,
				core.TypeEpisodic: 0.3, core.TypeProfile: 0.2,
				core.TypeRelationship: 0.1, core.TypePreference: 0.1,
			},
			MinScore:    0.25,
			MaxResults:  10,
			ExpandQuery: true,
		}
	case IntentPreference:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.40, BM25: 0.15, Graph: 0.05, Importance: 0.15, TypeRelevance: 0.25},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypePreference, core.TypeProfile},
			PenalizeTypes: []core.MemoryType{core.TypeEpisodic},
			TypeRelevance: map[core.MemoryType]float64{
				core.TypePreference: 1.0, core.TypeProfile: 0.8, core.TypeCore: 0.5,
				core.TypeSemantic: 0.4, core.TypeRelationship: 0.3,
				core.TypeEpisodic: 0.2, core.TypeProcedural: 0.1,
			},
			MinScore:   0.20,
			MaxResults: 10,
		}
	case IntentRelational:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.30, BM25: 0.15, Graph: 0.30, Importance: 0.10, TypeRelevance: 0.15},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypeRelationship, core.TypeProfile},
			PenalizeTypes: nil,
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeRelationship: 1.0, core.TypeProfile: 0.8, core.TypeEpisodic: 0.5,
				core.TypeSemantic: 0.4, core.TypeCore: 0.4,
				core.TypePreference: 0.3, core.TypeProcedural: 0.1,
			},
			MinScore:    0.15,
			MaxResults:  15,
			ExpandQuery: true,
		}
	case IntentDiagnostic:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.40, BM25: 0.30, Graph: 0.10, Importance: 0.10, TypeRelevance: 0.10},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypeProcedural, core.TypeEpisodic},
			PenalizeTypes: []core.MemoryType{core.TypePreference},
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeProcedural: 0.9, core.TypeEpisodic: 0.9, core.TypeSemantic: 0.6,
				core.TypeCore: 0.5, core.TypeProfile: 0.2,
				core.TypeRelationship: 0.2, core.TypePreference: 0.1,
			},
			MinScore:   0.20,
			MaxResults: 15,
		}
	case IntentComparative:
		return Strategy{
			Intent:  intent,
			Weights: Weights{Vector: 0.45, BM25: 0.20, Graph: 0.05, Importance: 0.15, TypeRelevance: 0.15},
			Sort:    SortRelevance,
			BoostTypes: []core.MemoryType{core.TypeSemantic},
			PenalizeTypes: nil,
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeSemantic: 1.0, core.TypeCore: 0.7, core.TypePreference: 0.6,
				core.TypeProcedural: 0.5, core.TypeEpisodic: 0.4,
				core.TypeProfile: 0.3, core.TypeRelationship: 0.2,
			},
			MinScore:   0.20,
			MaxResults: 12,
		}
	default: // exploratory
		return Strategy{
			Intent:  IntentExploratory,
			Weights: Weights{Vector: 0.50, BM25: 0.20, Graph: 0.10, Importance: 0.10, TypeRelevance: 0.10},
			Sort:    SortRelevance,
			TypeRelevance: map[core.MemoryType]float64{
				core.TypeSemantic: 0.7, core.TypeCore: 0.7, core.TypeEpisodic: 0.6,
				core.TypeProcedural: 0.6, core.TypeProfile: 0.5,
				core.TypeRelationship: 0.5, core.TypePreference: 0.5,
			},
			MinScore:    0.10,
			MaxResults:  20,
			ExpandQuery: true,
		}
	}
}
