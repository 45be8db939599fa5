package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/infrastructure/embedding"
	"engram/pkg/errors"
)

func embedServer(t *testing.T, calls *int64, respond func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["input"])
		respond(w)
	}))
}

func TestEmbed_OpenAIShape(t *testing.T) {
	var calls int64
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
		})
	})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "test-model", nil, nil)
	vec, err := c.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, c.Dimension())
}

func TestEmbed_SingleVectorAndNestedShapes(t *testing.T) {
	var calls int64
	shapes := []any{
		map[string]any{"embedding": []float64{1, 0}},
		map[string]any{"embeddings": [][]float64{{0, 1}}},
	}
	idx := 0
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(shapes[idx])
		idx++
	})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "", nil, nil)

	v1, err := c.Embed(context.Background(), "first")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, v1)

	v2, err := c.Embed(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, v2)
}

func TestEmbed_CachesRepeats(t *testing.T) {
	var calls int64
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.5, 0.5}})
	})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "", nil, nil)

	_, err := c.Embed(context.Background(), "same text")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "same text")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestEmbed_DimensionMismatchIsDataError(t *testing.T) {
	var calls int64
	dims := [][]float64{{1, 2, 3}, {1, 2}}
	idx := 0
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": dims[idx]})
		idx++
	})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "", nil, nil)

	_, err := c.Embed(context.Background(), "first")
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, errors.IsData(err))
}

func TestEmbed_Non2xxIsTransportError(t *testing.T) {
	var calls int64
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "", nil, nil)
	_, err := c.Embed(context.Background(), "text")

	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}

func TestEmbed_EmptyTextRejectedWithoutCall(t *testing.T) {
	var calls int64
	srv := embedServer(t, &calls, func(w http.ResponseWriter) {})
	defer srv.Close()

	c := embedding.NewClient(srv.URL, "", nil, nil)
	_, err := c.Embed(context.Background(), "")

	require.Error(t, err)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}
