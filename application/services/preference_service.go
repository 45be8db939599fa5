package services

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/application/ports"
)

const (
	// maxPreferenceSources caps the evidence list per preference.
	maxPreferenceSources = 10

	// preferenceBoostCap bounds the post-rank adaptation bonus.
	preferenceBoostCap = 0.10

	// strengthStep is how much one more piece of evidence adds.
	strengthStep = 0.15

	// Frustration machine constants.
	frustrationEscalation = 3
	frustrationDecayStep  = 0.1
	frustrationDecayEvery = 5 * time.Minute
	frustratedAbove       = 0.7
	negativeSignalWeight  = 0.3
	positiveSignalRelief  = 0.2
)

// preferencePatterns map phrasing to a preference category.
var preferencePatterns = []struct {
	category string
	pattern  *regexp.Regexp
}{
	{"tooling", regexp.MustCompile(`(?i)\bi (?:prefer|like|always use|usually use)\s+([a-z0-9 ._/-]{2,40})`)},
	{"style", regexp.MustCompile(`(?i)\bplease (?:always|never|don'?t)\s+([a-z0-9 ._/-]{2,40})`)},
	{"format", regexp.MustCompile(`(?i)\b(?:respond|answer|reply) (?:with|in|using)\s+([a-z0-9 ._/-]{2,40})`)},
}

// Preference is one learned, strength-weighted user preference.
type Preference struct {
	Key       string    `json:"key"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Strength  float64   `json:"strength"`
	Evidence  int       `json:"evidence"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SourceIDs []string  `json:"source_ids,omitempty"`
}

// FrustrationState tracks one session's emotional trajectory.
type FrustrationState struct {
	Level                float64     `json:"level"`
	ConsecutiveNegatives int         `json:"consecutive_negatives"`
	LastSignal           Sentiment   `json:"last_signal,omitempty"`
	LastUpdated          time.Time   `json:"last_updated"`
	History              []Sentiment `json:"history,omitempty"`
}

// Frustrated reports whether the session has escalated.
func (f FrustrationState) Frustrated() bool {
	return f.ConsecutiveNegatives >= frustrationEscalation || f.Level > frustratedAbove
}

// PreferenceTracker keeps the per-(user, agent) preference model and
// per-session frustration state. All state is in-process; the preference
// model also feeds a bounded post-rank boost.
type PreferenceTracker struct {
	mu          sync.Mutex
	agentID     string
	preferences map[string]map[string]*Preference // (user, agent) -> key -> pref
	sessions    map[string]*FrustrationState

	logger *zap.Logger
}

// NewPreferenceTracker creates an empty tracker. agentID is the engine's
// own identity, used when an observation names no agent.
func NewPreferenceTracker(agentID string, logger *zap.Logger) *PreferenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceTracker{
		agentID:     agentID,
		preferences: map[string]map[string]*Preference{},
		sessions:    map[string]*FrustrationState{},
		logger:      logger,
	}
}

// modelKey scopes the model to one (user, agent) pair. The same user
// talking to two agents builds two independent models.
func (t *PreferenceTracker) modelKey(userID, agentID string) string {
	if agentID == "" {
		agentID = t.agentID
	}
	return userID + "\x00" + agentID
}

// Observe scans a message for preference statements and records them for
// the (user, agent) pair. sourceID ties the evidence back to the memory
// that captured it.
func (t *PreferenceTracker) Observe(userID, agentID, message, sourceID string) []Preference {
	var recorded []Preference
	now := time.Now().UTC()
	for _, rule := range preferencePatterns {
		for _, m := range rule.pattern.FindAllStringSubmatch(message, -1) {
			value := strings.TrimSpace(strings.ToLower(m[1]))
			if value == "" {
				continue
			}
			key := rule.category + ":" + normalizePreferenceKey(value)
			recorded = append(recorded, t.record(t.modelKey(userID, agentID), key, rule.category, value, sourceID, now))
		}
	}
	return recorded
}

func (t *PreferenceTracker) record(model, key, category, value, sourceID string, now time.Time) Preference {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey := t.preferences[model]
	if byKey == nil {
		byKey = map[string]*Preference{}
		t.preferences[model] = byKey
	}
	pref := byKey[key]
	if pref == nil {
		pref = &Preference{
			Key:       key,
			Category:  category,
			Value:     value,
			FirstSeen: now,
		}
		byKey[key] = pref
	}
	pref.Evidence++
	pref.LastSeen = now
	pref.Strength = clampFloat(pref.Strength+strengthStep, 0, 1)
	if sourceID != "" {
		pref.SourceIDs = append(pref.SourceIDs, sourceID)
		if len(pref.SourceIDs) > maxPreferenceSources {
			pref.SourceIDs = pref.SourceIDs[len(pref.SourceIDs)-maxPreferenceSources:]
		}
	}
	return *pref
}

// Preferences returns the (user, agent) model sorted by strength.
func (t *PreferenceTracker) Preferences(userID, agentID string) []Preference {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey := t.preferences[t.modelKey(userID, agentID)]
	out := make([]Preference, 0, len(byKey))
	for _, pref := range byKey {
		out = append(out, *pref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Boost returns the bounded additive bonus a recalled memory earns from
// matching the user's preference vocabulary. Applied after ranking.
func (t *PreferenceTracker) Boost(userID, agentID string, hit ports.RecallHit) float64 {
	if hit.Cell == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	content := strings.ToLower(hit.Cell.Content)
	var boost float64
	for _, pref := range t.preferences[t.modelKey(userID, agentID)] {
		if strings.Contains(content, pref.Value) {
			boost += 0.05 * pref.Strength
		}
	}
	return clampFloat(boost, 0, preferenceBoostCap)
}

// RecordSignal feeds one sentiment into the session's frustration machine
// and returns the updated state.
func (t *PreferenceTracker) RecordSignal(sessionID string, signal Sentiment) FrustrationState {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.sessions[sessionID]
	if state == nil {
		state = &FrustrationState{LastUpdated: now}
		t.sessions[sessionID] = state
	}
	t.decayLocked(state, now)

	switch signal {
	case SentimentNegative:
		state.ConsecutiveNegatives++
		state.Level = clampFloat(state.Level+negativeSignalWeight, 0, 1)
	case SentimentPositive:
		state.ConsecutiveNegatives = 0
		state.Level = clampFloat(state.Level-positiveSignalRelief, 0, 1)
	default:
		state.ConsecutiveNegatives = 0
	}
	state.LastSignal = signal
	state.LastUpdated = now
	state.History = append(state.History, signal)
	if len(state.History) > 20 {
		state.History = state.History[len(state.History)-20:]
	}

	if state.Frustrated() {
		t.logger.Info("session frustration escalated",
			zap.String("session", sessionID),
			zap.Float64("level", state.Level),
			zap.Int("consecutive_negatives", state.ConsecutiveNegatives))
	}
	return *state
}

// Frustration returns the session state after applying silence decay.
func (t *PreferenceTracker) Frustration(sessionID string) FrustrationState {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.sessions[sessionID]
	if state == nil {
		return FrustrationState{LastUpdated: now}
	}
	t.decayLocked(state, now)
	return *state
}

// decayLocked applies 0.1 of relief per 5 minutes of silence.
func (t *PreferenceTracker) decayLocked(state *FrustrationState, now time.Time) {
	if state.LastUpdated.IsZero() {
		return
	}
	steps := int(now.Sub(state.LastUpdated) / frustrationDecayEvery)
	if steps <= 0 {
		return
	}
	state.Level = clampFloat(state.Level-float64(steps)*frustrationDecayStep, 0, 1)
	if state.Level == 0 {
		state.ConsecutiveNegatives = 0
	}
	state.LastUpdated = now
}

func normalizePreferenceKey(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), "-")
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
