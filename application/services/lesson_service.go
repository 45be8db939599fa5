package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	"engram/pkg/observability"
)

// lessonDedupChars is how much of the normalized text keys the dedup set.
const lessonDedupChars = 100

// lessonRule pairs a lesson type with the phrasing that signals it.
type lessonRule struct {
	kind    string
	pattern *regexp.Regexp
}

var lessonRules = []lessonRule{
	{"correction", regexp.MustCompile(`(?i)\b(?:actually|no,|that'?s (?:wrong|incorrect)|not quite|i meant|correction:?)\b`)},
	{"fix", regexp.MustCompile(`(?i)\b(?:fixed (?:it|this|that|by)|the fix (?:was|is)|solved (?:it|this|by)|resolved (?:it|this|by)|workaround)\b`)},
	{"gotcha", regexp.MustCompile(`(?i)\b(?:gotcha|watch out|careful with|beware|tricky part|caveat|heads.?up)\b`)},
	{"learned", regexp.MustCompile(`(?i)\b(?:learned that|til\b|turns out|realized that|now i know|key takeaway)\b`)},
	{"anti_pattern", regexp.MustCompile(`(?i)\b(?:never (?:do|use)|avoid (?:doing|using)?|don'?t ever|bad idea to|anti.?pattern)\b`)},
}

// Lesson is one detected lesson before persistence.
type Lesson struct {
	Kind    string
	Text    string
	Context string
}

// LessonExtractor detects lessons in conversational replies and persists
// them as shared semantic memories, and abstracts mined patterns into
// higher-level lessons.
type LessonExtractor struct {
	store *StoreService

	mu   sync.Mutex
	seen map[string]bool

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewLessonExtractor wires the extractor on top of the store pipeline.
func NewLessonExtractor(store *StoreService, logger *zap.Logger, metrics *observability.Metrics) *LessonExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LessonExtractor{
		store:   store,
		seen:    map[string]bool{},
		logger:  logger,
		metrics: metrics,
	}
}

// Detect returns the lessons present in text, at most one per rule family.
func (l *LessonExtractor) Detect(text, context string) []Lesson {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var lessons []Lesson
	for _, rule := range lessonRules {
		if rule.pattern.MatchString(trimmed) {
			lessons = append(lessons, Lesson{Kind: rule.kind, Text: trimmed, Context: context})
		}
	}
	return lessons
}

// Extract detects and persists lessons from one reply. Repeats of the same
// opening hundred characters are dropped.
func (l *LessonExtractor) Extract(ctx context.Context, text, conversationContext string) ([]*core.MemoryCell, error) {
	lessons := l.Detect(text, conversationContext)
	if len(lessons) == 0 {
		return nil, nil
	}

	var cells []*core.MemoryCell
	for _, lesson := range lessons {
		if !l.firstSighting(lesson.Text) {
			continue
		}
		content := fmt.Sprintf("[LESSON:%s] %s", lesson.Kind, lesson.Text)
		if lesson.Context != "" {
			content = fmt.Sprintf("%s (context: %s)", content, lesson.Context)
		}
		res, err := l.store.Store(ctx, StoreRequest{
			Content:    content,
			Type:       core.TypeSemantic,
			Urgency:    core.UrgencyImportant,
			Importance: 0.8,
			Metadata: map[string]any{
				"source":      "lesson_extraction",
				"lesson_type": lesson.Kind,
			},
		})
		if err != nil {
			l.logger.Warn("lesson store failed", zap.String("kind", lesson.Kind), zap.Error(err))
			continue
		}
		if res.Cell != nil {
			cells = append(cells, res.Cell)
		}
	}
	return cells, nil
}

// firstSighting records the dedup key and reports whether it was new.
func (l *LessonExtractor) firstSighting(text string) bool {
	key := strings.ToLower(strings.TrimSpace(text))
	if len(key) > lessonDedupChars {
		key = key[:lessonDedupChars]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	return true
}

// Abstract turns a mining report into higher-level lessons: one per
// qualifying cluster, recurring error and co-occurrence. Deterministic ids
// and the abstracted marker make repeat runs skip existing work.
func (l *LessonExtractor) Abstract(ctx context.Context, vectors ports.VectorStore, partition string, report *MiningReport) (int, error) {
	written := 0
	persist := func(method, key, text string) {
		id := core.AbstractionID(method, key)
		if existing, err := vectors.Get(ctx, partition, id); err == nil && existing != nil {
			return
		}
		// Written directly under the deterministic id, the way shared
		// blocks are, so the Get above finds it on the next run.
		vector, err := l.store.embedder.Embed(ctx, text)
		if err != nil {
			l.logger.Debug("abstraction embed failed", zap.String("method", method), zap.Error(err))
			return
		}
		cell, err := core.NewCell(text, l.store.agentID)
		if err != nil {
			l.logger.Debug("abstraction cell failed", zap.String("method", method), zap.Error(err))
			return
		}
		cell.ID = id
		cell.Type = core.TypeSemantic
		cell.Urgency = core.UrgencyImportant
		cell.Importance = 0.8
		cell.SetMeta("source", "lesson_abstraction")
		cell.SetMeta("abstracted", true)
		cell.SetMeta("method", method)
		if err := vectors.Upsert(ctx, partition, ports.VectorRecord{
			ID:      id,
			Vector:  vector,
			Payload: core.EncodePayload(cell),
		}); err != nil {
			l.logger.Debug("abstraction store failed", zap.String("method", method), zap.Error(err))
			return
		}
		written++
	}

	for _, cluster := range report.Clusters {
		if len(cluster.Members) < minClusterSize {
			continue
		}
		persist("cluster", cluster.Key, fmt.Sprintf(
			"[LESSON:learned] A recurring theme across %d memories: %s",
			len(cluster.Members), cluster.Centroid.Content))
	}
	for _, pat := range report.RecurringErrors {
		if pat.Count < minErrorGroup {
			continue
		}
		persist("recurring_error", pat.Key, fmt.Sprintf(
			"[LESSON:gotcha] This error keeps recurring (%d times): %s",
			pat.Count, pat.Summary))
	}
	for _, pair := range report.CoOccurrences {
		if pair.Shared < coOccurrenceFloor {
			continue
		}
		persist("co_occurrence", strings.ToLower(pair.A+"+"+pair.B), fmt.Sprintf(
			"[LESSON:learned] %s and %s are tightly coupled; they share %d memories",
			pair.A, pair.B, pair.Shared))
	}
	return written, nil
}
