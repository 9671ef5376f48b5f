// Package graph stores and traverses the knowledge graph in FalkorDB. The
// server speaks the Redis protocol, so all Cypher goes through GRAPH.QUERY
// commands on a plain Redis connection.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultGraphName is the key the knowledge graph lives under.
const DefaultGraphName = "fedrag_graph"

// commander is the slice of the go-redis client the store needs. Narrowed so
// tests can fake GRAPH.QUERY replies.
type commander interface {
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
}

// Entity is a named graph node with a coarse type label.
type Entity struct {
	Name string
	Type string
}

// Triple is a directed edge between two named entities.
type Triple struct {
	Source   string
	Relation string
	Target   string
}

// Store executes Cypher against one named graph.
type Store struct {
	db     commander
	graph  string
	logger *slog.Logger
}

// NewStore wraps an existing Redis-protocol connection to FalkorDB.
func NewStore(db *redis.Client, graphName string, logger *slog.Logger) *Store {
	return newStore(db, graphName, logger)
}

func newStore(db commander, graphName string, logger *slog.Logger) *Store {
	if graphName == "" {
		graphName = DefaultGraphName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, graph: graphName, logger: logger}
}

// query runs one Cypher statement and returns the raw reply.
func (s *Store) query(ctx context.Context, cypher string) (interface{}, error) {
	return s.db.Do(ctx, "GRAPH.QUERY", s.graph, cypher, "--compact").Result()
}

// AddEntities merges entity nodes, updating the type label on re-mention.
func (s *Store) AddEntities(ctx context.Context, entities []Entity) error {
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		cypher := fmt.Sprintf(
			"MERGE (e:Entity {name: '%s'}) SET e.type = '%s'",
			escapeString(e.Name), escapeString(e.Type),
		)
		if _, err := s.query(ctx, cypher); err != nil {
			return fmt.Errorf("merge entity %q: %w", e.Name, err)
		}
	}
	return nil
}

// AddTriples merges relationship edges. Endpoint entities are merged too, so
// a relationship naming an entity the extraction missed still lands in the
// graph. The relation name becomes the edge type, so it is sanitized rather
// than escaped.
func (s *Store) AddTriples(ctx context.Context, triples []Triple) error {
	for _, t := range triples {
		if t.Source == "" || t.Target == "" {
			continue
		}
		rel := sanitizeRelation(t.Relation)
		cypher := fmt.Sprintf(
			"MERGE (a:Entity {name: '%s'}) MERGE (b:Entity {name: '%s'}) MERGE (a)-[:%s]->(b)",
			escapeString(t.Source), escapeString(t.Target), rel,
		)
		if _, err := s.query(ctx, cypher); err != nil {
			return fmt.Errorf("merge relation %s-[%s]->%s: %w", t.Source, rel, t.Target, err)
		}
	}
	return nil
}

// LinkChunk merges a chunk node and MENTIONS edges to each named entity, so
// graph traversal can surface the text evidence behind a connection.
func (s *Store) LinkChunk(ctx context.Context, chunkID, source string, entityNames []string) error {
	if len(entityNames) == 0 {
		return nil
	}
	cypher := fmt.Sprintf(
		"MERGE (c:Chunk {id: '%s'}) SET c.source = '%s'",
		escapeString(chunkID), escapeString(source),
	)
	if _, err := s.query(ctx, cypher); err != nil {
		return fmt.Errorf("merge chunk %q: %w", chunkID, err)
	}

	for _, name := range entityNames {
		if strings.TrimSpace(name) == "" {
			continue
		}
		cypher := fmt.Sprintf(
			"MATCH (c:Chunk {id: '%s'}) MERGE (e:Entity {name: '%s'}) MERGE (c)-[:MENTIONS]->(e)",
			escapeString(chunkID), escapeString(name),
		)
		if _, err := s.query(ctx, cypher); err != nil {
			return fmt.Errorf("link chunk %q to %q: %w", chunkID, name, err)
		}
	}
	return nil
}

// Neighbors returns edges touching any entity whose name contains the term,
// case-insensitive. Query failures degrade to an empty result so retrieval
// can continue on vector evidence alone.
func (s *Store) Neighbors(ctx context.Context, term string, limit int) []Triple {
	cypher := fmt.Sprintf(
		"MATCH (a:Entity)-[r]-(b:Entity) WHERE toLower(a.name) CONTAINS toLower('%s') "+
			"RETURN a.name, type(r), b.name LIMIT %d",
		escapeString(term), limit,
	)
	reply, err := s.query(ctx, cypher)
	if err != nil {
		s.logger.Warn("graph neighbor query failed", "term", term, "error", err)
		return nil
	}
	return triplesFromReply(reply)
}

// FindPaths returns direct edges between entities matching the two terms.
// Self-loops from both terms matching the same node are excluded.
func (s *Store) FindPaths(ctx context.Context, termA, termB string, limit int) []Triple {
	cypher := fmt.Sprintf(
		"MATCH (a:Entity)-[r]-(b:Entity) "+
			"WHERE toLower(a.name) CONTAINS toLower('%s') AND toLower(b.name) CONTAINS toLower('%s') "+
			"AND id(a) <> id(b) RETURN a.name, type(r), b.name LIMIT %d",
		escapeString(termA), escapeString(termB), limit,
	)
	reply, err := s.query(ctx, cypher)
	if err != nil {
		s.logger.Warn("graph path query failed", "terms", termA+"/"+termB, "error", err)
		return nil
	}

	var out []Triple
	for _, t := range triplesFromReply(reply) {
		if t.Source == t.Target {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ChunkRef names a chunk the graph links to an entity.
type ChunkRef struct {
	ID     string
	Source string
}

// ChunksForEntity returns chunks that mention entities matching the term,
// optionally restricted to one source document.
func (s *Store) ChunksForEntity(ctx context.Context, term, source string, limit int) []ChunkRef {
	filter := ""
	if source != "" {
		filter = fmt.Sprintf(" AND c.source = '%s'", escapeString(source))
	}
	cypher := fmt.Sprintf(
		"MATCH (c:Chunk)-[:MENTIONS]->(e:Entity) "+
			"WHERE toLower(e.name) CONTAINS toLower('%s')%s "+
			"RETURN DISTINCT c.id, c.source LIMIT %d",
		escapeString(term), filter, limit,
	)
	reply, err := s.query(ctx, cypher)
	if err != nil {
		s.logger.Warn("graph chunk query failed", "term", term, "error", err)
		return nil
	}

	var out []ChunkRef
	for _, row := range rowsFromReply(reply) {
		if len(row) < 2 {
			continue
		}
		out = append(out, ChunkRef{ID: asString(row[0]), Source: asString(row[1])})
	}
	return out
}

// Reset drops the whole graph. A missing graph key is not an error.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.db.Do(ctx, "GRAPH.DELETE", s.graph).Err(); err != nil {
		if strings.Contains(err.Error(), "Invalid graph operation") ||
			strings.Contains(strings.ToLower(err.Error()), "empty key") {
			return nil
		}
		return fmt.Errorf("delete graph %q: %w", s.graph, err)
	}
	return nil
}

// triplesFromReply decodes three-column (source, relation, target) rows.
func triplesFromReply(reply interface{}) []Triple {
	var out []Triple
	for _, row := range rowsFromReply(reply) {
		if len(row) < 3 {
			continue
		}
		out = append(out, Triple{
			Source:   asString(row[0]),
			Relation: asString(row[1]),
			Target:   asString(row[2]),
		})
	}
	return out
}

// rowsFromReply unpacks the [header, rows, stats] shape of a GRAPH.QUERY
// read reply. Anything unexpected yields no rows.
func rowsFromReply(reply interface{}) [][]interface{} {
	top, ok := reply.([]interface{})
	if !ok || len(top) < 2 {
		return nil
	}
	raw, ok := top[1].([]interface{})
	if !ok {
		return nil
	}

	var rows [][]interface{}
	for _, r := range raw {
		if row, ok := r.([]interface{}); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// escapeString makes a value safe for single-quoted Cypher string literals.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

var relationPattern = regexp.MustCompile(`[^A-Z0-9_]`)

// sanitizeRelation reduces a model-proposed relation name to a valid edge
// type. Relation names cannot be parameterized or quoted, so anything outside
// [A-Z0-9_] is dropped.
func sanitizeRelation(rel string) string {
	rel = strings.ToUpper(strings.TrimSpace(rel))
	rel = strings.ReplaceAll(rel, " ", "_")
	rel = relationPattern.ReplaceAllString(rel, "")
	rel = strings.Trim(rel, "_")
	if rel == "" {
		return "RELATES_TO"
	}
	return rel
}
