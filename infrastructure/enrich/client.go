// Package enrich implements the optional entity-extraction adapter. The
// external service is best-effort: callers treat failures as "no entities".
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/pkg/errors"
	"engram/pkg/observability"
)

const defaultTimeout = 5 * time.Second

// Client posts text to the extraction service and returns named entities.
// A circuit breaker keeps a flapping service from slowing every store.
type Client struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient creates a client for the given endpoint.
func NewClient(url string, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "enrich",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("extraction breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

var _ ports.Enricher = (*Client)(nil)

// Extract returns named entities for text.
func (c *Client) Extract(ctx context.Context, text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (c *Client) fetch(ctx context.Context, text string) ([]string, error) {
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, errors.NewData("enrich.extract", "encode request", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.NewTransport("enrich.extract", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveAdapter("enrich", "extract", start, err)
		return nil, errors.NewTransport("enrich.extract", "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.ObserveAdapter("enrich", "extract", start, err)
		return nil, errors.NewTransport("enrich.extract", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		c.metrics.ObserveAdapter("enrich", "extract", start, statusErr)
		return nil, errors.NewTransport("enrich.extract",
			fmt.Sprintf("extraction service returned %d", resp.StatusCode), nil)
	}
	c.metrics.ObserveAdapter("enrich", "extract", start, nil)

	var shape struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, errors.NewData("enrich.extract", "decode response", err)
	}
	return shape.Entities, nil
}
