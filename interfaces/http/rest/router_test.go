package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/application/ports"
	"engram/application/services"
	"engram/interfaces/http/rest"
	"engram/interfaces/http/rest/handlers"
)

// memVectorStore is an in-memory stand-in for the vector backend.
type memVectorStore struct {
	mu     sync.Mutex
	points map[string]map[string]ports.VectorRecord // partition -> id -> record
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{points: map[string]map[string]ports.VectorRecord{}}
}

func (m *memVectorStore) Upsert(_ context.Context, partition string, records ...ports.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points[partition] == nil {
		m.points[partition] = map[string]ports.VectorRecord{}
	}
	for _, rec := range records {
		m.points[partition][rec.ID] = rec
	}
	return nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func matches(rec ports.VectorRecord, filter *ports.Filter) bool {
	deleted, _ := rec.Payload["deleted"].(bool)
	if filter == nil {
		return !deleted
	}
	if deleted && !filter.IncludeDeleted {
		return false
	}
	for field, want := range filter.Must {
		if fmt.Sprint(rec.Payload[field]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (m *memVectorStore) Search(_ context.Context, partition string, vector []float64, limit int, minScore float64, filter *ports.Filter) ([]ports.ScoredPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.ScoredPoint
	for _, rec := range m.points[partition] {
		if !matches(rec, filter) {
			continue
		}
		score := cosine(vector, rec.Vector)
		if score < minScore {
			continue
		}
		out = append(out, ports.ScoredPoint{ID: rec.ID, Score: score, Payload: rec.Payload, Vector: rec.Vector})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memVectorStore) Scroll(_ context.Context, partition string, _ int, offset string, filter *ports.Filter) ([]ports.VectorRecord, string, error) {
	if offset != "" {
		return nil, "", nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.VectorRecord
	for _, rec := range m.points[partition] {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out, "", nil
}

func (m *memVectorStore) Patch(_ context.Context, partition, id string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.points[partition][id]
	if !ok {
		return nil
	}
	for k, v := range payload {
		rec.Payload[k] = v
	}
	m.points[partition][id] = rec
	return nil
}

func (m *memVectorStore) Get(_ context.Context, partition, id string) (*ports.VectorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.points[partition][id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memVectorStore) SoftDelete(ctx context.Context, partition, id string) error {
	return m.Patch(ctx, partition, id, map[string]any{"deleted": true})
}

func (m *memVectorStore) Count(_ context.Context, partition string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points[partition]), nil
}

func (m *memVectorStore) EnsureTextIndex(context.Context, string, string) error { return nil }

// hashEmbedder derives a deterministic pseudo-random vector per text, so
// unrelated texts land far apart.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, 8)
	for i := range vec {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, text)
		vec[i] = float64(int64(h.Sum64()))/math.MaxInt64 - 0.5
	}
	return vec, nil
}

func (hashEmbedder) Dimension() int { return 8 }

func newTestServer(t *testing.T) (*httptest.Server, *memVectorStore) {
	t.Helper()
	vectors := newMemVectorStore()
	partitions := ports.Partitions{
		Shared:   "engram_shared",
		Private:  "engram_private_helper",
		Profiles: "engram_profiles",
		Skills:   "engram_skills",
	}

	store := services.NewStoreService(services.StoreDeps{
		Vectors:    vectors,
		Embedder:   hashEmbedder{},
		Partitions: partitions,
		AgentID:    "helper",
	})
	recall := services.NewRecallService(services.RecallDeps{
		Vectors:    vectors,
		Embedder:   hashEmbedder{},
		Partitions: partitions,
		AgentID:    "helper",
	})
	t.Cleanup(recall.Drain)
	feedback := services.NewFeedbackService(vectors, nil, partitions, nil, nil)
	blocks := services.NewBlockService(vectors, hashEmbedder{}, nil, partitions, "helper", nil, nil)
	consolidator := services.NewConsolidator(vectors, nil, nil, nil)
	stats := services.NewStatsService(vectors, nil, nil, partitions, "helper", nil)
	prefs := services.NewPreferenceTracker("helper", nil)
	lessons := services.NewLessonExtractor(store, nil, nil)

	router := rest.NewRouter(
		handlers.NewMemoryHandler(store, recall, feedback, lessons, prefs, nil),
		handlers.NewBlockHandler(blocks, nil),
		handlers.NewMaintenanceHandler(consolidator, nil, nil, stats, partitions, nil),
		nil,
		nil,
	)
	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)
	return srv, vectors
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestStoreEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{
		"content": "The staging database runs postgres 16 on port 5433",
		"user_id": "user-1",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", body["action"])
	memory := body["memory"].(map[string]any)
	assert.NotEmpty(t, memory["id"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "Content")
}

func TestRecallEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{
		"content": "Deploys to production happen every Tuesday morning",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/recall", map[string]any{
		"query": "Deploys to production happen every Tuesday morning",
		"limit": 5,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	hits := body["hits"].([]any)
	require.NotEmpty(t, hits)
	first := hits[0].(map[string]any)
	cell := first["cell"].(map[string]any)
	assert.Contains(t, cell["content"], "Tuesday")
	assert.NotEmpty(t, body["intent"])
}

func TestBlockLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/blocks/project-goals", map[string]any{
		"content":  "Ship the billing migration by end of quarter",
		"agent_id": "planner",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["version"])

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/v1/blocks/project-goals", map[string]any{
		"content": "Ship the billing migration by mid quarter",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["version"])

	resp, cell := doJSON(t, http.MethodGet, srv.URL+"/api/v1/blocks/project-goals", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, cell["content"], "mid quarter")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/blocks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/blocks/project-goals", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/blocks/project-goals", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{
		"content": "The release train leaves every Thursday afternoon",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["memory"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/feedback", map[string]any{
		"memory_ids": []string{id},
		"response":   "thanks, the release train detail was exactly right",
		"session_id": "session-1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "positive", body["sentiment"])
}

func TestMaintenanceAndStats(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/maintenance/consolidate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "scanned")

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/maintenance/dream", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{
		"content": "Kafka consumer lag alerts page the on-call engineer",
	})
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["shared_count"])
}

func TestPreferencesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]any{
		"content": "I prefer table-driven tests",
		"user_id": "user-7",
	})
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/preferences/user-7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
}
