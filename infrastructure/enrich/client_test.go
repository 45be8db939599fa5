package enrich_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/infrastructure/enrich"
	"engram/pkg/errors"
)

func TestExtractReturnsEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "redis runs on port 6379", req["text"])
		json.NewEncoder(w).Encode(map[string]any{"entities": []string{"redis", "6379"}})
	}))
	defer srv.Close()

	client := enrich.NewClient(srv.URL, nil, nil)
	entities, err := client.Extract(context.Background(), "redis runs on port 6379")
	require.NoError(t, err)
	assert.Equal(t, []string{"redis", "6379"}, entities)
}

func TestExtractSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := enrich.NewClient(srv.URL, nil, nil)
	_, err := client.Extract(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))
}

func TestExtractSkipsEmptyText(t *testing.T) {
	client := enrich.NewClient("http://unused", nil, nil)
	entities, err := client.Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, entities)
}
