// Package embedding provides the HTTP client for the embedding service,
// with a small in-process result cache.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/pkg/errors"
	"engram/pkg/observability"
)

const (
	defaultTimeout = 10 * time.Second
	cacheCapacity  = 512
	cacheTTL       = 5 * time.Minute
)

// Client posts text to the embedding service and returns dense vectors of
// a fixed dimension. Three response shapes are accepted; callers never see
// the difference.
type Client struct {
	url    string
	model  string
	client *http.Client

	mu  sync.Mutex
	dim int

	cache *embedCache

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient creates a client for the given endpoint. model may be empty.
func NewClient(url, model string, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		model:   model,
		client:  &http.Client{Timeout: defaultTimeout},
		cache:   newEmbedCache(cacheCapacity, cacheTTL),
		logger:  logger,
		metrics: metrics,
	}
}

// Dimension reports the vector width, 0 before the first successful call.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// Embed returns the vector for text, serving repeats from the cache.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.NewData("embedding.embed", "empty text", nil)
	}
	if vec, ok := c.cache.get(text); ok {
		c.metrics.RecordCache("embed", true)
		return vec, nil
	}
	c.metrics.RecordCache("embed", false)

	vec, err := c.fetch(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.put(text, vec)
	return vec, nil
}

func (c *Client) fetch(ctx context.Context, text string) ([]float64, error) {
	body := map[string]any{"input": text}
	if c.model != "" {
		body["model"] = c.model
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewData("embedding.embed", "encode request", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.NewTransport("embedding.embed", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveAdapter("embedding", "embed", start, err)
		return nil, errors.NewTransport("embedding.embed", "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.metrics.ObserveAdapter("embedding", "embed", start, err)
		return nil, errors.NewTransport("embedding.embed", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		c.metrics.ObserveAdapter("embedding", "embed", start, statusErr)
		return nil, errors.NewTransport("embedding.embed",
			fmt.Sprintf("embedding service returned %d", resp.StatusCode), nil)
	}
	c.metrics.ObserveAdapter("embedding", "embed", start, nil)

	vec, err := decodeVector(payload)
	if err != nil {
		return nil, err
	}
	if err := c.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (c *Client) checkDimension(vec []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dim == 0 {
		c.dim = len(vec)
		c.logger.Info("embedding dimension locked", zap.Int("dimension", c.dim))
		return nil
	}
	if len(vec) != c.dim {
		return errors.NewData("embedding.embed",
			fmt.Sprintf("unexpected vector dimension %d, want %d", len(vec), c.dim), nil)
	}
	return nil
}

// decodeVector accepts {data:[{embedding}]}, {embedding:[…]} and
// {embeddings:[[…]]}.
func decodeVector(payload []byte) ([]float64, error) {
	var shape struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Embedding  []float64   `json:"embedding"`
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, errors.NewData("embedding.embed", "decode response", err)
	}
	switch {
	case len(shape.Data) > 0 && len(shape.Data[0].Embedding) > 0:
		return shape.Data[0].Embedding, nil
	case len(shape.Embedding) > 0:
		return shape.Embedding, nil
	case len(shape.Embeddings) > 0 && len(shape.Embeddings[0]) > 0:
		return shape.Embeddings[0], nil
	}
	return nil, errors.NewData("embedding.embed", "response carries no embedding", nil)
}

// embedCache is a bounded map with TTL; on overflow the entry with the
// oldest insertion timestamp is evicted.
type embedCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]embedEntry
}

type embedEntry struct {
	vector   []float64
	inserted time.Time
}

func newEmbedCache(capacity int, ttl time.Duration) *embedCache {
	return &embedCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]embedEntry, capacity),
	}
}

func (c *embedCache) get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.inserted) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	out := make([]float64, len(e.vector))
	copy(out, e.vector)
	return out, true
}

func (c *embedCache) put(key string, vec []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.inserted.Before(oldest) {
				oldestKey, oldest = k, e.inserted
			}
		}
		delete(c.entries, oldestKey)
	}
	stored := make([]float64, len(vec))
	copy(stored, vec)
	c.entries[key] = embedEntry{vector: stored, inserted: time.Now()}
}
