package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	domainservices "engram/domain/services"
	"engram/infrastructure/keyword"
	"engram/pkg/observability"
)

const (
	minerMaxCells       = 20000
	minerClusterBatch   = 500
	clusterThreshold    = 0.75
	minClusterSize      = 3
	errorGroupThreshold = 0.70
	minErrorGroup       = 2
	coOccurrenceFloor   = 3
	corpusTopTerms      = 20
	docTopTerms         = 5
	maxDocFrequency     = 0.8
)

var minerStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "had": true, "not": true, "but": true,
	"into": true, "over": true, "they": true, "their": true, "them": true,
	"its": true, "also": true, "when": true, "then": true, "than": true,
	"all": true, "any": true, "can": true, "will": true, "would": true,
	"should": true, "about": true, "after": true, "before": true,
	"because": true, "there": true, "where": true, "which": true,
	"while": true, "been": true, "being": true, "more": true, "most": true,
	"some": true, "such": true, "only": true, "other": true, "these": true,
	"those": true, "what": true, "your": true, "you": true, "our": true,
}

var errorPattern = regexp.MustCompile(`(?i)\b(error|fail(?:s|ed|ure|ing)?|exception|crash(?:es|ed)?|broken|timeout|refused|panic|fatal|denied)\b`)

// MemoryCluster is one mined similarity cluster.
type MemoryCluster struct {
	Key            string
	Centroid       *core.MemoryCell
	Members        []*core.MemoryCell
	DominantType   core.MemoryType
	DominantDomain core.Domain
	AvgSimilarity  float64
}

// TermScore is one corpus-level TF-IDF term.
type TermScore struct {
	Term  string  `json:"term"`
	Score float64 `json:"score"`
}

// MinedPattern is a persisted pattern synthesis.
type MinedPattern struct {
	ID      string
	Kind    string
	Key     string
	Summary string
	Count   int
}

// MiningReport is the full output of one mining pass.
type MiningReport struct {
	Scanned         int
	Clusters        []MemoryCluster
	TopTerms        []TermScore
	RecurringErrors []MinedPattern
	CoOccurrences   []ports.EntityPair
	Persisted       int
}

// PatternMiner extracts structure from the live corpus: similarity
// clusters, dominant vocabulary, recurring errors and entities that keep
// appearing together. Each synthesized pattern gets a deterministic id, so
// repeated runs converge instead of accumulating.
type PatternMiner struct {
	vectors  ports.VectorStore
	graph    ports.GraphStore
	embedder ports.Embedder

	partitions ports.Partitions
	agentID    string

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewPatternMiner wires the miner. A nil graph disables co-occurrence
// mining.
func NewPatternMiner(vectors ports.VectorStore, graph ports.GraphStore, embedder ports.Embedder, partitions ports.Partitions, agentID string, logger *zap.Logger, metrics *observability.Metrics) *PatternMiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternMiner{
		vectors:    vectors,
		graph:      graph,
		embedder:   embedder,
		partitions: partitions,
		agentID:    agentID,
		logger:     logger,
		metrics:    metrics,
	}
}

// Mine runs one full pass over the shared partition.
func (m *PatternMiner) Mine(ctx context.Context) (*MiningReport, error) {
	items, err := m.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	report := &MiningReport{Scanned: len(items)}

	for start := 0; start < len(items); start += minerClusterBatch {
		end := start + minerClusterBatch
		if end > len(items) {
			end = len(items)
		}
		report.Clusters = append(report.Clusters, clusterBatch(items[start:end])...)
	}
	report.TopTerms = corpusTerms(items)
	report.RecurringErrors = m.recurringErrors(items)
	if m.graph != nil {
		pairs, err := m.graph.CoOccurrences(ctx, coOccurrenceFloor)
		if err != nil {
			m.logger.Debug("co-occurrence query failed", zap.Error(err))
		} else {
			report.CoOccurrences = pairs
		}
	}

	report.Persisted = m.persist(ctx, report)
	m.metrics.RecordMaintenance("mining")
	m.logger.Info("mining pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("clusters", len(report.Clusters)),
		zap.Int("recurring_errors", len(report.RecurringErrors)),
		zap.Int("co_occurrences", len(report.CoOccurrences)),
		zap.Int("persisted", report.Persisted))
	return report, nil
}

func (m *PatternMiner) loadCorpus(ctx context.Context) ([]batchItem, error) {
	var items []batchItem
	cursor := ""
	for len(items) < minerMaxCells {
		records, next, err := m.vectors.Scroll(ctx, m.partitions.Shared, minerClusterBatch, cursor, nil)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			cell := core.DecodePayload(rec.ID, rec.Payload)
			if cell == nil || !cell.Live() || cell.Scope == core.ScopePattern {
				continue
			}
			items = append(items, batchItem{cell: cell, vector: rec.Vector})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return items, nil
}

// clusterBatch runs single-linkage agglomeration over one batch.
func clusterBatch(items []batchItem) []MemoryCluster {
	n := len(items)
	if n < minClusterSize {
		return nil
	}
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if domainservices.CosineSimilarity(items[i].vector, items[j].vector) >= clusterThreshold {
				union(i, j)
			}
		}
	}

	groups := map[int][]int{}
	for i := 0; i < n; i++ {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	var clusters []MemoryCluster
	for _, idxs := range groups {
		if len(idxs) < minClusterSize {
			continue
		}
		clusters = append(clusters, buildCluster(items, idxs))
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].Members) != len(clusters[j].Members) {
			return len(clusters[i].Members) > len(clusters[j].Members)
		}
		return clusters[i].Key < clusters[j].Key
	})
	return clusters
}

func buildCluster(items []batchItem, idxs []int) MemoryCluster {
	dim := len(items[idxs[0]].vector)
	centroid := make([]float64, dim)
	for _, i := range idxs {
		for d := 0; d < dim && d < len(items[i].vector); d++ {
			centroid[d] += items[i].vector[d]
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(idxs))
	}

	bestIdx, bestSim := idxs[0], -1.0
	typeCounts := map[core.MemoryType]int{}
	domainCounts := map[core.Domain]int{}
	members := make([]*core.MemoryCell, 0, len(idxs))
	for _, i := range idxs {
		members = append(members, items[i].cell)
		typeCounts[items[i].cell.Type]++
		domainCounts[items[i].cell.Domain]++
		if sim := domainservices.CosineSimilarity(items[i].vector, centroid); sim > bestSim {
			bestIdx, bestSim = i, sim
		}
	}

	var simSum float64
	var pairs int
	for a := 0; a < len(idxs); a++ {
		for b := a + 1; b < len(idxs); b++ {
			simSum += domainservices.CosineSimilarity(items[idxs[a]].vector, items[idxs[b]].vector)
			pairs++
		}
	}
	avg := 0.0
	if pairs > 0 {
		avg = simSum / float64(pairs)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return MemoryCluster{
		Key:            members[0].ID,
		Centroid:       items[bestIdx].cell,
		Members:        members,
		DominantType:   modeType(typeCounts),
		DominantDomain: modeDomain(domainCounts),
		AvgSimilarity:  avg,
	}
}

func modeType(counts map[core.MemoryType]int) core.MemoryType {
	best, bestN := core.TypeSemantic, -1
	for t, n := range counts {
		if n > bestN || (n == bestN && t < best) {
			best, bestN = t, n
		}
	}
	return best
}

func modeDomain(counts map[core.Domain]int) core.Domain {
	best, bestN := core.DomainGeneral, -1
	for d, n := range counts {
		if n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

// corpusTerms builds the corpus-level TF-IDF vocabulary, dropping terms in
// more than 80% of documents or fewer than two.
func corpusTerms(items []batchItem) []TermScore {
	if len(items) == 0 {
		return nil
	}
	df := map[string]int{}
	tf := map[string]int{}
	for _, item := range items {
		seen := map[string]bool{}
		for _, tok := range keyword.Tokenize(item.cell.Content) {
			if len(tok) < 3 || minerStopwords[tok] {
				continue
			}
			tf[tok]++
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	docs := float64(len(items))
	var scores []TermScore
	for term, n := range df {
		if n < 2 || float64(n)/docs > maxDocFrequency {
			continue
		}
		idf := 1.0
		if docs > float64(n) {
			idf = 1.0 + (docs-float64(n))/docs
		}
		scores = append(scores, TermScore{Term: term, Score: float64(tf[term]) * idf})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Term < scores[j].Term
	})
	if len(scores) > corpusTopTerms {
		scores = scores[:corpusTopTerms]
	}
	return scores
}

// DocTerms returns the top TF-IDF terms of one text against the corpus df.
func DocTerms(text string, df map[string]int, docs int) []string {
	counts := map[string]int{}
	for _, tok := range keyword.Tokenize(text) {
		if len(tok) < 3 || minerStopwords[tok] {
			continue
		}
		counts[tok]++
	}
	type ts struct {
		term  string
		score float64
	}
	var scored []ts
	for term, n := range counts {
		d := df[term]
		if d == 0 {
			d = 1
		}
		scored = append(scored, ts{term, float64(n) * float64(docs) / float64(d)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].term < scored[j].term
	})
	out := make([]string, 0, docTopTerms)
	for i := 0; i < len(scored) && i < docTopTerms; i++ {
		out = append(out, scored[i].term)
	}
	return out
}

// recurringErrors greedily groups error-flavored technical cells.
func (m *PatternMiner) recurringErrors(items []batchItem) []MinedPattern {
	var errs []batchItem
	for _, item := range items {
		if item.cell.Domain != core.DomainTechnical && item.cell.Domain != core.DomainGeneral {
			continue
		}
		if errorPattern.MatchString(item.cell.Content) {
			errs = append(errs, item)
		}
	}

	assigned := map[string]bool{}
	var patterns []MinedPattern
	for i := 0; i < len(errs); i++ {
		if assigned[errs[i].cell.ID] {
			continue
		}
		group := []batchItem{errs[i]}
		for j := i + 1; j < len(errs); j++ {
			if assigned[errs[j].cell.ID] {
				continue
			}
			if domainservices.CosineSimilarity(errs[i].vector, errs[j].vector) >= errorGroupThreshold {
				group = append(group, errs[j])
			}
		}
		if len(group) < minErrorGroup {
			continue
		}
		for _, g := range group {
			assigned[g.cell.ID] = true
		}
		key := group[0].cell.ID
		patterns = append(patterns, MinedPattern{
			ID:      core.PatternID("recurring_error", key),
			Kind:    "recurring_error",
			Key:     key,
			Summary: group[0].cell.Content,
			Count:   len(group),
		})
	}
	return patterns
}

// persist writes each synthesized pattern as a private pattern-scoped cell.
// Deterministic ids make this idempotent across runs.
func (m *PatternMiner) persist(ctx context.Context, report *MiningReport) int {
	persisted := 0
	write := func(id, kind, text string, count int) {
		vector, err := m.embedder.Embed(ctx, text)
		if err != nil {
			m.logger.Debug("pattern embed failed", zap.String("pattern", id), zap.Error(err))
			return
		}
		cell, err := core.NewCell(text, m.agentID)
		if err != nil {
			return
		}
		cell.ID = id
		cell.Type = core.TypeSemantic
		cell.Classification = core.ClassPrivate
		cell.Scope = core.ScopePattern
		cell.Importance = 0.6
		cell.SetMeta("source", "pattern_mining")
		cell.SetMeta("pattern_kind", kind)
		cell.SetMeta("occurrences", count)
		err = m.vectors.Upsert(ctx, m.partitions.Private, ports.VectorRecord{
			ID:      cell.ID,
			Vector:  vector,
			Payload: core.EncodePayload(cell),
		})
		if err != nil {
			m.logger.Warn("pattern persist failed", zap.String("pattern", id), zap.Error(err))
			return
		}
		persisted++
	}

	for _, cluster := range report.Clusters {
		text := fmt.Sprintf("Recurring theme (%d memories, %s/%s): %s",
			len(cluster.Members), cluster.DominantType, cluster.DominantDomain, cluster.Centroid.Content)
		write(core.PatternID("cluster", cluster.Key), "cluster", text, len(cluster.Members))
	}
	for _, pat := range report.RecurringErrors {
		text := fmt.Sprintf("Recurring error (%d occurrences): %s", pat.Count, pat.Summary)
		write(pat.ID, pat.Kind, text, pat.Count)
	}
	for _, pair := range report.CoOccurrences {
		key := strings.ToLower(pair.A + "+" + pair.B)
		text := fmt.Sprintf("%s and %s appear together in %d memories", pair.A, pair.B, pair.Shared)
		write(core.PatternID("co_occurrence", key), "co_occurrence", text, pair.Shared)
	}
	return persisted
}
