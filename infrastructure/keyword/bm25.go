// Package keyword implements the in-process lexical index used for hybrid
// retrieval: an inverted index scored with BM25, plus reciprocal rank
// fusion against the vector channel.
package keyword

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"engram/application/ports"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Index is a thread-safe inverted index. Reads run concurrently; mutations
// take the write lock, which serializes add/remove per id.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]int // term -> id -> tf
	docTerms map[string]map[string]int // id -> term -> tf
	docLen   map[string]int
	totalLen int

	logger *zap.Logger
}

// NewIndex creates an empty index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		postings: make(map[string]map[string]int),
		docTerms: make(map[string]map[string]int),
		docLen:   make(map[string]int),
		logger:   logger,
	}
}

// Add indexes text under id. Re-adding an id replaces its previous terms.
func (x *Index) Add(id, text string) {
	terms := Tokenize(text)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(id)
	if len(terms) == 0 {
		return
	}

	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	for t, n := range tf {
		docs := x.postings[t]
		if docs == nil {
			docs = make(map[string]int)
			x.postings[t] = docs
		}
		docs[id] = n
	}
	x.docTerms[id] = tf
	x.docLen[id] = len(terms)
	x.totalLen += len(terms)
}

// Remove drops every posting for id; unknown ids are a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id string) {
	tf, ok := x.docTerms[id]
	if !ok {
		return
	}
	for t := range tf {
		docs := x.postings[t]
		delete(docs, id)
		if len(docs) == 0 {
			delete(x.postings, t)
		}
	}
	x.totalLen -= x.docLen[id]
	delete(x.docTerms, id)
	delete(x.docLen, id)
}

// Search scores documents against the query with BM25 and returns the top
// limit hits, best first.
func (x *Index) Search(query string, limit int) []ports.KeywordHit {
	terms := Tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.docLen)
	if n == 0 {
		return nil
	}
	avgLen := float64(x.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, t := range terms {
		docs := x.postings[t]
		if len(docs) == 0 {
			continue
		}
		df := float64(len(docs))
		idf := math.Log((float64(n)-df+0.5)/(df+0.5) + 1)
		for id, tf := range docs {
			tff := float64(tf)
			norm := tff * (bm25K1 + 1) /
				(tff + bm25K1*(1-bm25B+bm25B*float64(x.docLen[id])/avgLen))
			scores[id] += idf * norm
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hits := make([]ports.KeywordHit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, ports.KeywordHit{ID: id, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Len reports the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docLen)
}

// Stats returns term and posting counts, used by tests and engine stats.
func (x *Index) Stats() (terms, postings int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	terms = len(x.postings)
	for _, docs := range x.postings {
		postings += len(docs)
	}
	return terms, postings
}

// Bootstrap streams up to maxDocs live texts from the partition in batches
// of batchSize and indexes them. Errors are non-fatal: the index simply
// starts emptier.
func (x *Index) Bootstrap(ctx context.Context, store ports.VectorStore, partition string, maxDocs, batchSize int) int {
	if maxDocs <= 0 {
		maxDocs = 5000
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	added := 0
	offset := ""
	for added < maxDocs {
		if ctx.Err() != nil {
			break
		}
		n := batchSize
		if rest := maxDocs - added; rest < n {
			n = rest
		}
		records, next, err := store.Scroll(ctx, partition, n, offset, nil)
		if err != nil {
			x.logger.Warn("keyword bootstrap aborted",
				zap.String("partition", partition),
				zap.Int("indexed", added),
				zap.Error(err))
			break
		}
		for _, rec := range records {
			text, _ := rec.Payload["content"].(string)
			if text == "" {
				continue
			}
			x.Add(rec.ID, text)
			added++
		}
		if next == "" || len(records) == 0 {
			break
		}
		offset = next
	}
	x.logger.Info("keyword index bootstrapped",
		zap.String("partition", partition),
		zap.Int("documents", added))
	return added
}

// tokenKeep reports whether r survives tokenization as-is.
func tokenKeep(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '.', r == '-', r == ':', r == '/':
		return true
	}
	return false
}

// Tokenize lowercases, maps every character outside [word . - : /] to a
// space, splits on whitespace and trims leading/trailing punctuation. IPs,
// versions and host:port tokens survive intact.
func Tokenize(text string) []string {
	mapped := strings.Map(func(r rune) rune {
		if tokenKeep(r) {
			return r
		}
		return ' '
	}, strings.ToLower(text))

	fields := strings.Fields(mapped)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".-:")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
