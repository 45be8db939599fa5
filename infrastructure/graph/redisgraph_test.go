package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/pkg/errors"
)

func TestSanitizeEdgeType(t *testing.T) {
	cases := map[string]string{
		"mentions":     "MENTIONS",
		"created by":   "CREATED_BY",
		"works-with":   "WORKS_WITH",
		"RELATES_TO_2": "RELATES_TO_2",
	}
	for in, want := range cases {
		got, err := SanitizeEdgeType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
}

func TestSanitizeEdgeType_RejectsInjection(t *testing.T) {
	for _, in := range []string{"", "X]->(n) DELETE n//", "type'; MATCH", "près"} {
		_, err := SanitizeEdgeType(in)
		require.Error(t, err, in)
		assert.True(t, errors.IsData(err))
	}
}

func TestSanitizePropertyKey(t *testing.T) {
	cases := map[string]string{
		"confidence": "confidence",
		"first_seen": "first_seen",
		"_internal":  "_internal",
		" score ":    "score",
		"Weight2":    "Weight2",
	}
	for in, want := range cases {
		got, err := SanitizePropertyKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
}

func TestSanitizePropertyKey_RejectsInjection(t *testing.T) {
	hostile := []string{
		"",
		"2weight",
		"e.name",
		"x = 1 WITH e MATCH (n) DELETE n //",
		"score'; MATCH",
		"près",
	}
	for _, in := range hostile {
		_, err := SanitizePropertyKey(in)
		require.Error(t, err, in)
		assert.True(t, errors.IsData(err))
	}
}

func TestUpsertRejectsHostilePropertyKeys(t *testing.T) {
	s := NewStore(nil, "engram", nil, nil)
	ctx := context.Background()
	props := map[string]any{"confidence = 1 WITH e MATCH (n) DELETE n //": 1}

	err := s.UpsertEntity(ctx, "postgres", "tool", props)
	require.Error(t, err)
	assert.True(t, errors.IsData(err))

	err = s.UpsertEdge(ctx, "postgres", "redis", "mentions", props)
	require.Error(t, err)
	assert.True(t, errors.IsData(err))

	assert.NoError(t, s.UpsertEntity(ctx, "postgres", "tool",
		map[string]any{"confidence": 0.9}))
}

func TestBindParams_EscapesStrings(t *testing.T) {
	got := bindParams(map[string]any{
		"name": "O'Brien \\ co",
		"n":    3,
		"ok":   true,
	})

	assert.Contains(t, got, `name='O\'Brien \\ co'`)
	assert.Contains(t, got, "n=3")
	assert.Contains(t, got, "ok=true")
	assert.Equal(t, 0, len(bindParams(nil)))
}

func TestBindParams_DeterministicOrder(t *testing.T) {
	params := map[string]any{"b": 1, "a": 2, "c": 3}
	first := bindParams(params)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, bindParams(params))
	}
	assert.Equal(t, "CYPHER a=2 b=1 c=3 ", first)
}

func TestParseRows(t *testing.T) {
	reply := []any{
		[]any{"b.name", "type(r)"},
		[]any{
			[]any{"postgres", "MENTIONS"},
			[]any{"redis", "RELATES_TO"},
		},
		[]any{"Query internal execution time: 0.2"},
	}

	rows := parseRows(reply)
	require.Len(t, rows, 2)
	assert.Equal(t, "postgres", asRowString(rows[0][0]))
	assert.Equal(t, "RELATES_TO", asRowString(rows[1][1]))

	// Write-only replies carry stats only.
	assert.Empty(t, parseRows([]any{[]any{"Nodes created: 1"}}))
	assert.Empty(t, parseRows("garbage"))
}

func TestRowCoercions(t *testing.T) {
	assert.Equal(t, int64(7), asRowInt(int64(7)))
	assert.Equal(t, int64(7), asRowInt("7"))
	assert.Equal(t, "", asRowString(nil))

	ts := asRowTime("2026-02-23T10:00:00Z")
	assert.Equal(t, 2026, ts.Year())
	assert.True(t, asRowTime("not a date").IsZero())
}

func TestNilClientIsNoop(t *testing.T) {
	s := NewStore(nil, "engram", nil, nil)
	ctx := context.Background()

	assert.NoError(t, s.UpsertEntity(ctx, "postgres", "tool", nil))
	assert.NoError(t, s.IngestMemory(ctx, "id", "text", []string{"postgres"}, "agent-a", nil))

	neighbors, err := s.Neighbors(ctx, "postgres", 10)
	assert.NoError(t, err)
	assert.Empty(t, neighbors)

	pairs, err := s.CoOccurrences(ctx, 3)
	assert.NoError(t, err)
	assert.Empty(t, pairs)

	_, err = s.TemporalQuery(ctx, "postgres", time.Now())
	assert.NoError(t, err)
}
