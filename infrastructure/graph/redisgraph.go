// Package graph implements the entity-graph adapter on a RedisGraph-style
// GRAPH.QUERY endpoint: Cypher text with CYPHER-prefix parameter binding,
// replies as (header, rows, stats).
package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/pkg/errors"
	"engram/pkg/observability"
)

const (
	defaultTimeout = 2 * time.Second

	maxPathDepth    = 10
	maxTimelineRows = 100
)

// edgeTypePattern is the only shape a relationship label may take.
// Labels are identifiers in Cypher, not bindable parameters, so anything
// else is rejected outright.
var edgeTypePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// propertyKeyPattern is the only shape a property name may take. Like
// labels, property names are identifiers and cannot be parameter-bound.
var propertyKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store runs Cypher against one named graph. A nil Redis client turns
// every operation into a no-op, which is how the engine degrades when the
// graph backend is absent.
type Store struct {
	rdb     redis.UniversalClient
	name    string
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ ports.GraphStore = (*Store)(nil)

// NewStore creates the adapter for the named graph.
func NewStore(rdb redis.UniversalClient, name string, logger *zap.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "engram"
	}
	return &Store{
		rdb:     rdb,
		name:    name,
		timeout: defaultTimeout,
		logger:  logger,
		metrics: metrics,
	}
}

// UpsertEntity merges an Entity node by name, stamping first_seen on
// create and last_seen on match.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType string, props map[string]any) error {
	if name == "" {
		return nil
	}
	params := map[string]any{
		"name": name,
		"type": entityType,
		"now":  time.Now().UTC().Format(time.RFC3339),
	}
	setClauses := []string{"e.last_seen = $now"}
	for i, key := range propKeys(props) {
		field, err := SanitizePropertyKey(key)
		if err != nil {
			return err
		}
		p := fmt.Sprintf("p%d", i)
		params[p] = props[key]
		setClauses = append(setClauses, fmt.Sprintf("e.%s = $%s", field, p))
	}
	if s.rdb == nil {
		return nil
	}
	query := "MERGE (e:Entity {name: $name}) " +
		"ON CREATE SET e.type = $type, e.first_seen = $now " +
		"SET " + strings.Join(setClauses, ", ")
	_, err := s.query(ctx, "upsert_entity", query, params)
	return err
}

// UpsertEdge merges a typed relationship between two entities. The edge
// type must match [A-Z0-9_]+ after uppercasing.
func (s *Store) UpsertEdge(ctx context.Context, from, to, edgeType string, props map[string]any) error {
	label, err := SanitizeEdgeType(edgeType)
	if err != nil {
		return err
	}
	params := map[string]any{
		"from": from,
		"to":   to,
		"now":  time.Now().UTC().Format(time.RFC3339),
	}
	setClauses := []string{"r.last_seen = $now"}
	for i, key := range propKeys(props) {
		field, err := SanitizePropertyKey(key)
		if err != nil {
			return err
		}
		p := fmt.Sprintf("p%d", i)
		params[p] = props[key]
		setClauses = append(setClauses, fmt.Sprintf("r.%s = $%s", field, p))
	}
	if s.rdb == nil {
		return nil
	}
	query := fmt.Sprintf(
		"MATCH (a:Entity {name: $from}), (b:Entity {name: $to}) "+
			"MERGE (a)-[r:%s]->(b) "+
			"ON CREATE SET r.since = $now "+
			"SET %s",
		label, strings.Join(setClauses, ", "))
	_, err = s.query(ctx, "upsert_edge", query, params)
	return err
}

// Neighbors lists nodes adjacent to the named entity.
func (s *Store) Neighbors(ctx context.Context, name string, limit int) ([]ports.GraphNeighbor, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(
		"MATCH (a:Entity {name: $name})-[r]-(b) "+
			"RETURN b.name, type(r), r.since LIMIT %d", limit)
	rows, err := s.query(ctx, "neighbors", query, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	return neighborsFromRows(rows), nil
}

// ShortestPath returns node names along the shortest path, empty when
// disconnected. Depth is clamped to 10.
func (s *Store) ShortestPath(ctx context.Context, a, b string, maxDepth int) ([]string, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if maxDepth <= 0 || maxDepth > maxPathDepth {
		maxDepth = maxPathDepth
	}
	query := fmt.Sprintf(
		"MATCH (a:Entity {name: $a}), (b:Entity {name: $b}) "+
			"MATCH p = shortestPath((a)-[*..%d]-(b)) "+
			"RETURN [n IN nodes(p) | n.name]", maxDepth)
	rows, err := s.query(ctx, "shortest_path", query, map[string]any{"a": a, "b": b})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, nil
	}
	names, _ := rows[0][0].([]any)
	path := make([]string, 0, len(names))
	for _, n := range names {
		path = append(path, asRowString(n))
	}
	return path, nil
}

// Timeline lists dated relationships around the entity, newest first.
func (s *Store) Timeline(ctx context.Context, name string, limit int) ([]ports.GraphEvent, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxTimelineRows {
		limit = maxTimelineRows
	}
	query := fmt.Sprintf(
		"MATCH (e:Entity {name: $name})-[r]-(m) WHERE r.since IS NOT NULL "+
			"RETURN m.name, type(r), r.since ORDER BY r.since DESC LIMIT %d", limit)
	rows, err := s.query(ctx, "timeline", query, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	events := make([]ports.GraphEvent, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		events = append(events, ports.GraphEvent{
			Subject:  asRowString(row[0]),
			EdgeType: asRowString(row[1]),
			When:     asRowTime(row[2]),
		})
	}
	return events, nil
}

// TemporalQuery lists neighbors whose relationship existed on or before
// the given date.
func (s *Store) TemporalQuery(ctx context.Context, name string, asOf time.Time) ([]ports.GraphNeighbor, error) {
	if s.rdb == nil {
		return nil, nil
	}
	query := "MATCH (a:Entity {name: $name})-[r]-(b) " +
		"WHERE r.since IS NOT NULL AND r.since <= $asof " +
		"RETURN b.name, type(r), r.since"
	rows, err := s.query(ctx, "temporal", query, map[string]any{
		"name": name,
		"asof": asOf.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return neighborsFromRows(rows), nil
}

// IngestMemory adds a Memory node, MENTIONS edges to each entity and a
// CREATED_BY edge to the agent.
func (s *Store) IngestMemory(ctx context.Context, id, text string, entities []string, agentID string, eventTime *time.Time) error {
	if s.rdb == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	params := map[string]any{
		"id":    id,
		"text":  text,
		"agent": agentID,
		"now":   now,
	}
	set := "SET m.text = $text, m.agent_id = $agent, m.ingested_at = $now"
	if eventTime != nil {
		params["event"] = eventTime.UTC().Format(time.RFC3339)
		set += ", m.event_time = $event"
	}
	if _, err := s.query(ctx, "ingest_memory",
		"MERGE (m:Memory {id: $id}) "+set, params); err != nil {
		return err
	}

	for _, entity := range entities {
		if entity == "" {
			continue
		}
		if err := s.UpsertEntity(ctx, entity, "concept", nil); err != nil {
			return err
		}
		if _, err := s.query(ctx, "ingest_memory",
			"MATCH (m:Memory {id: $id}), (e:Entity {name: $name}) "+
				"MERGE (m)-[r:MENTIONS]->(e) ON CREATE SET r.since = $now",
			map[string]any{"id": id, "name": entity, "now": now}); err != nil {
			return err
		}
	}

	if agentID != "" {
		_, err := s.query(ctx, "ingest_memory",
			"MERGE (a:Agent {name: $agent}) "+
				"WITH a MATCH (m:Memory {id: $id}) "+
				"MERGE (m)-[r:CREATED_BY]->(a) ON CREATE SET r.since = $now",
			map[string]any{"agent": agentID, "id": id, "now": now})
		return err
	}
	return nil
}

// MemoriesMentioning lists Memory ids with a MENTIONS edge to the entity.
func (s *Store) MemoriesMentioning(ctx context.Context, entity string, limit int) ([]string, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 30
	}
	query := fmt.Sprintf(
		"MATCH (m:Memory)-[:MENTIONS]->(e:Entity {name: $name}) "+
			"RETURN m.id LIMIT %d", limit)
	rows, err := s.query(ctx, "memories_mentioning", query, map[string]any{"name": entity})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			if id := asRowString(row[0]); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// CoOccurrences lists entity pairs sharing at least minShared memories.
func (s *Store) CoOccurrences(ctx context.Context, minShared int) ([]ports.EntityPair, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if minShared <= 0 {
		minShared = 3
	}
	query := "MATCH (a:Entity)<-[:MENTIONS]-(m:Memory)-[:MENTIONS]->(b:Entity) " +
		"WHERE a.name < b.name " +
		"WITH a.name AS an, b.name AS bn, count(m) AS shared " +
		"WHERE shared >= $min RETURN an, bn, shared"
	rows, err := s.query(ctx, "co_occurrences", query, map[string]any{"min": minShared})
	if err != nil {
		return nil, err
	}
	pairs := make([]ports.EntityPair, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		pairs = append(pairs, ports.EntityPair{
			A:      asRowString(row[0]),
			B:      asRowString(row[1]),
			Shared: int(asRowInt(row[2])),
		})
	}
	return pairs, nil
}

// query runs one GRAPH.QUERY call and returns result rows.
func (s *Store) query(ctx context.Context, op, cypher string, params map[string]any) ([][]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	full := bindParams(params) + cypher
	start := time.Now()
	raw, err := s.rdb.Do(ctx, "GRAPH.QUERY", s.name, full).Result()
	s.metrics.ObserveAdapter("graph", op, start, err)
	if err != nil {
		return nil, errors.NewTransport("graph."+op, "graph query failed", err)
	}
	return parseRows(raw), nil
}

// bindParams renders the CYPHER parameter prefix. All property values go
// through here; only sanitized labels and property names are ever
// interpolated into query text.
func bindParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := propKeys(params)
	var sb strings.Builder
	sb.WriteString("CYPHER ")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(encodeParam(params[k]))
		sb.WriteByte(' ')
	}
	return sb.String()
}

func encodeParam(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		escaped := strings.ReplaceAll(t, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `'`, `\'`)
		return "'" + escaped + "'"
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return "'" + t.UTC().Format(time.RFC3339) + "'"
	default:
		return encodeParam(fmt.Sprintf("%v", t))
	}
}

// SanitizeEdgeType uppercases and validates a relationship label.
func SanitizeEdgeType(edgeType string) (string, error) {
	label := strings.ToUpper(strings.TrimSpace(edgeType))
	label = strings.ReplaceAll(label, " ", "_")
	label = strings.ReplaceAll(label, "-", "_")
	if !edgeTypePattern.MatchString(label) {
		return "", errors.NewData("graph.sanitize_edge_type",
			fmt.Sprintf("invalid relationship type %q", edgeType), nil)
	}
	return label, nil
}

// SanitizePropertyKey validates a property name before it is spliced
// into a SET clause. Values are always parameter-bound; keys cannot be,
// so they get the same treatment as relationship labels.
func SanitizePropertyKey(key string) (string, error) {
	name := strings.TrimSpace(key)
	if !propertyKeyPattern.MatchString(name) {
		return "", errors.NewData("graph.sanitize_property_key",
			fmt.Sprintf("invalid property name %q", key), nil)
	}
	return name, nil
}

// parseRows extracts the row block from a (header, rows, stats) reply.
// Write-only replies carry just stats and yield no rows.
func parseRows(raw any) [][]any {
	top, ok := raw.([]any)
	if !ok || len(top) < 3 {
		return nil
	}
	rowBlock, ok := top[1].([]any)
	if !ok {
		return nil
	}
	rows := make([][]any, 0, len(rowBlock))
	for _, r := range rowBlock {
		if row, ok := r.([]any); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func neighborsFromRows(rows [][]any) []ports.GraphNeighbor {
	neighbors := make([]ports.GraphNeighbor, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		n := ports.GraphNeighbor{
			Name:     asRowString(row[0]),
			EdgeType: asRowString(row[1]),
		}
		if len(row) > 2 {
			n.Since = asRowTime(row[2])
		}
		neighbors = append(neighbors, n)
	}
	return neighbors
}

func asRowString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asRowInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asRowTime(v any) time.Time {
	s := asRowString(v)
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// propKeys returns map keys in stable order so generated Cypher is
// deterministic.
func propKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
