package vectordb_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/application/ports"
	"engram/infrastructure/vectordb"
	"engram/pkg/errors"
)

type capturedRequest struct {
	method string
	path   string
	body   map[string]any
}

func qdrantServer(t *testing.T, captured *capturedRequest, status int, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.body = nil
		if r.Body != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				captured.body = body
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
}

func TestUpsert_WireFormat(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK, `{"result":{"status":"completed"}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	err := c.Upsert(context.Background(), "shared", ports.VectorRecord{
		ID:      "id-1",
		Vector:  []float64{0.1, 0.2},
		Payload: map[string]any{"content": "hello"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, captured.method)
	assert.Equal(t, "/collections/shared/points", captured.path)
	assert.Equal(t, true, captured.body["wait"])
	points := captured.body["points"].([]any)
	require.Len(t, points, 1)
	assert.Equal(t, "id-1", points[0].(map[string]any)["id"])
}

func TestSearch_AppendsDeletedExclusion(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK,
		`{"result":[{"id":"a","score":0.9,"payload":{"content":"x"}}]}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	got, err := c.Search(context.Background(), "shared", []float64{1, 0}, 5, 0.3,
		&ports.Filter{Must: map[string]any{"agent_id": "agent-a"}})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-9)

	filter := captured.body["filter"].(map[string]any)
	mustNot := filter["must_not"].([]any)
	require.Len(t, mustNot, 1)
	assert.Equal(t, "deleted", mustNot[0].(map[string]any)["key"])
	must := filter["must"].([]any)
	require.Len(t, must, 1)
	assert.Equal(t, "agent_id", must[0].(map[string]any)["key"])
	assert.InDelta(t, 0.3, captured.body["score_threshold"].(float64), 1e-9)
}

func TestSearch_RequestsVectors(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK,
		`{"result":[{"id":"a","score":0.95,"payload":{"content":"x"},"vector":[0.6,0.8]}]}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	got, err := c.Search(context.Background(), "shared", []float64{1, 0}, 5, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, true, captured.body["with_vector"], "similarity gates need candidate vectors")
	assert.Equal(t, true, captured.body["with_payload"])
	require.Len(t, got, 1)
	assert.Equal(t, []float64{0.6, 0.8}, got[0].Vector)
}

func TestSearch_IncludeDeletedDropsExclusion(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK, `{"result":[]}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	_, err := c.Search(context.Background(), "shared", []float64{1}, 5, 0,
		&ports.Filter{IncludeDeleted: true})

	require.NoError(t, err)
	assert.Nil(t, captured.body["filter"])
}

func TestScroll_CursorRoundTrip(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK,
		`{"result":{"points":[{"id":"a","payload":{"content":"x"},"vector":[1,0]}],"next_page_offset":"cursor-2"}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	records, next, err := c.Scroll(context.Background(), "shared", 100, "", nil)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, `"cursor-2"`, next)

	// Feeding the cursor back sends it verbatim.
	_, _, err = c.Scroll(context.Background(), "shared", 100, next, nil)
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", captured.body["offset"])
}

func TestSoftDelete_PatchesDeletedFlag(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK, `{"result":{}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	require.NoError(t, c.SoftDelete(context.Background(), "shared", "id-1"))

	assert.Equal(t, "/collections/shared/points/payload", captured.path)
	payload := captured.body["payload"].(map[string]any)
	assert.Equal(t, true, payload["deleted"])
	assert.NotEmpty(t, payload["updated_at"])
	assert.Equal(t, []any{"id-1"}, captured.body["points"])
}

func TestGet_NotFoundReturnsNil(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusNotFound, `{"status":{"error":"not found"}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	rec, err := c.Get(context.Background(), "shared", "missing")

	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCount_ReadsPointsCount(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusOK, `{"result":{"points_count":42}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	n, err := c.Count(context.Background(), "shared")

	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, "/collections/shared", captured.path)
}

func TestEnsureTextIndex_ConflictIsIdempotent(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusConflict, `{"status":{"error":"already exists"}}`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	assert.NoError(t, c.EnsureTextIndex(context.Background(), "shared", "content"))
}

func TestNon2xx_IsTransportError(t *testing.T) {
	var captured capturedRequest
	srv := qdrantServer(t, &captured, http.StatusInternalServerError, `boom`)
	defer srv.Close()

	c := vectordb.NewClient(srv.URL, 0, nil, nil)
	err := c.Upsert(context.Background(), "shared", ports.VectorRecord{ID: "x"})

	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}
