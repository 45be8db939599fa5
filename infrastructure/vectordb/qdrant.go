// Package vectordb implements the vector store adapter against a
// Qdrant-compatible HTTP API.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/pkg/errors"
	"engram/pkg/observability"
)

// DefaultTimeout bounds every request to the store.
const DefaultTimeout = 5 * time.Second

// Client talks to the vector store. All calls go through a circuit breaker;
// when it opens, requests fail fast with a transport error.
type Client struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient creates a client for the given base URL. A zero timeout means
// DefaultTimeout.
func NewClient(base string, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vectordb",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("vector store breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{
		base:    trimSlash(base),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

var _ ports.VectorStore = (*Client)(nil)

// Upsert writes points with wait=true so the write is durable on return.
func (c *Client) Upsert(ctx context.Context, partition string, records ...ports.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		points = append(points, map[string]any{
			"id":      rec.ID,
			"vector":  rec.Vector,
			"payload": rec.Payload,
		})
	}
	body := map[string]any{"wait": true, "points": points}
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points", url.PathEscape(partition)),
		"upsert", body, nil)
}

// Search runs filtered nearest-neighbor search with payloads and vectors
// attached. Vectors are needed downstream by the dedup gate; the backend
// omits them unless asked.
func (c *Client) Search(ctx context.Context, partition string, vector []float64, limit int, minScore float64, filter *ports.Filter) ([]ports.ScoredPoint, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if minScore > 0 {
		body["score_threshold"] = minScore
	}
	if f := encodeFilter(filter); f != nil {
		body["filter"] = f
	}

	var result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
		Vector  []float64      `json:"vector"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", url.PathEscape(partition)),
		"search", body, &result)
	if err != nil {
		return nil, err
	}

	points := make([]ports.ScoredPoint, 0, len(result))
	for _, r := range result {
		points = append(points, ports.ScoredPoint{
			ID:      idString(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
			Vector:  r.Vector,
		})
	}
	return points, nil
}

// Scroll pages through the partition; the cursor is the backend's
// next_page_offset verbatim.
func (c *Client) Scroll(ctx context.Context, partition string, batchSize int, offset string, filter *ports.Filter) ([]ports.VectorRecord, string, error) {
	body := map[string]any{
		"limit":        batchSize,
		"with_payload": true,
		"with_vector":  true,
	}
	if offset != "" {
		body["offset"] = json.RawMessage(offset)
	}
	if f := encodeFilter(filter); f != nil {
		body["filter"] = f
	}

	var result struct {
		Points []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
			Vector  []float64      `json:"vector"`
		} `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(partition)),
		"scroll", body, &result)
	if err != nil {
		return nil, "", err
	}

	records := make([]ports.VectorRecord, 0, len(result.Points))
	for _, p := range result.Points {
		records = append(records, ports.VectorRecord{
			ID:      idString(p.ID),
			Vector:  p.Vector,
			Payload: p.Payload,
		})
	}
	next := ""
	if len(result.NextPageOffset) > 0 && string(result.NextPageOffset) != "null" {
		next = string(result.NextPageOffset)
	}
	return records, next, nil
}

// Patch merges payload fields into the point; the vector is untouched.
func (c *Client) Patch(ctx context.Context, partition, id string, payload map[string]any) error {
	body := map[string]any{
		"wait":    true,
		"points":  []string{id},
		"payload": payload,
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/payload", url.PathEscape(partition)),
		"patch", body, nil)
}

// Get fetches one point's payload, nil when the point does not exist.
func (c *Client) Get(ctx context.Context, partition, id string) (*ports.VectorRecord, error) {
	var result struct {
		ID      any            `json:"id"`
		Payload map[string]any `json:"payload"`
		Vector  []float64      `json:"vector"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/collections/%s/points/%s", url.PathEscape(partition), url.PathEscape(id)),
		"get", nil, &result)
	if err != nil {
		if errors.IsResource(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ports.VectorRecord{ID: idString(result.ID), Payload: result.Payload, Vector: result.Vector}, nil
}

// SoftDelete marks the point deleted via a payload patch.
func (c *Client) SoftDelete(ctx context.Context, partition, id string) error {
	return c.Patch(ctx, partition, id, map[string]any{
		"deleted":    true,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Count returns the partition's point count.
func (c *Client) Count(ctx context.Context, partition string) (int, error) {
	var result struct {
		PointsCount int `json:"points_count"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/collections/%s", url.PathEscape(partition)),
		"count", nil, &result)
	if err != nil {
		return 0, err
	}
	return result.PointsCount, nil
}

// EnsureTextIndex creates a text payload index on field; an index that
// already exists is not an error.
func (c *Client) EnsureTextIndex(ctx context.Context, partition, field string) error {
	body := map[string]any{
		"field_name": field,
		"field_schema": map[string]any{
			"type":          "text",
			"tokenizer":     "word",
			"min_token_len": 2,
			"max_token_len": 40,
			"lowercase":     true,
		},
	}
	err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/index", url.PathEscape(partition)),
		"ensure_index", body, nil)
	if err != nil && errors.IsResource(err) {
		return nil
	}
	return err
}

// do performs one request through the breaker and decodes the response's
// result field into out.
func (c *Client) do(ctx context.Context, method, path, op string, body, out any) error {
	start := time.Now()
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, path, op, body)
	})
	c.metrics.ObserveAdapter("vectordb", op, start, err)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.NewTransport("vectordb."+op, "vector store circuit open", err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	envelope := raw.([]byte)
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(envelope, &resp); err != nil {
		return errors.NewData("vectordb."+op, "decode response envelope", err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.NewData("vectordb."+op, "decode result", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, op string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewData("vectordb."+op, "encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, errors.NewTransport("vectordb."+op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewTransport("vectordb."+op, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errors.NewTransport("vectordb."+op, "read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		return nil, errors.NewResource("vectordb."+op,
			fmt.Sprintf("vector store returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.NewTransport("vectordb."+op,
			fmt.Sprintf("vector store returned %d", resp.StatusCode), nil)
	}
	return payload, nil
}

// encodeFilter translates the port filter into the backend's conjunctive
// predicate language. deleted=false is expressed as must_not deleted=true
// so points without the flag still match.
func encodeFilter(f *ports.Filter) map[string]any {
	var must []map[string]any
	includeDeleted := false
	if f != nil {
		includeDeleted = f.IncludeDeleted
		for key, value := range f.Must {
			must = append(must, map[string]any{
				"key":   key,
				"match": map[string]any{"value": value},
			})
		}
	}
	out := map[string]any{}
	if len(must) > 0 {
		out["must"] = must
	}
	if !includeDeleted {
		out["must_not"] = []map[string]any{
			{"key": "deleted", "match": map[string]any{"value": true}},
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func idString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
