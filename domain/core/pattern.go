package core

import (
	"strings"
	"time"
)

// PatternKind classifies a discovered regularity.
type PatternKind string

const (
	PatternCoOccurrence   PatternKind = "co-occurrence"
	PatternSequence       PatternKind = "sequence"
	PatternCluster        PatternKind = "cluster"
	PatternRecurringError PatternKind = "recurring-error"
	PatternCorrelation    PatternKind = "correlation"
	PatternAnomaly        PatternKind = "anomaly"
)

// Pattern is a regularity mined from the corpus. Its id is a deterministic
// hash of kind and key, so reruns over a static corpus rewrite rather than
// duplicate.
type Pattern struct {
	ID          string         `json:"id"`
	Kind        PatternKind    `json:"kind"`
	Key         string         `json:"key"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	Occurrences int            `json:"occurrences"`
	EvidenceIDs []string       `json:"evidence_ids,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewPattern builds a pattern with its deterministic id.
func NewPattern(kind PatternKind, key, description string) *Pattern {
	now := time.Now().UTC()
	return &Pattern{
		ID:          PatternID(string(kind), key),
		Kind:        kind,
		Key:         key,
		Description: description,
		FirstSeen:   now,
		LastSeen:    now,
		Metadata:    map[string]any{},
	}
}

// LessonType classifies extracted advice.
type LessonType string

const (
	LessonCorrection  LessonType = "correction"
	LessonFix         LessonType = "fix"
	LessonGotcha      LessonType = "gotcha"
	LessonLearned     LessonType = "learned"
	LessonAntiPattern LessonType = "anti-pattern"
)

// Lesson is compact advice distilled from user replies or mined patterns.
type Lesson struct {
	Type            LessonType `json:"type"`
	WrongAssumption string     `json:"wrong_assumption,omitempty"`
	Correction      string     `json:"correction"`
	Context         string     `json:"context,omitempty"`
	Confidence      float64    `json:"confidence"`
	SourceMemoryID  string     `json:"source_memory_id,omitempty"`
}

// DedupKey is the lesson deduplication key: the lowercased first 100
// characters of the correction.
func (l *Lesson) DedupKey() string {
	key := l.Correction
	if len(key) > 100 {
		key = key[:100]
	}
	return strings.ToLower(key)
}
