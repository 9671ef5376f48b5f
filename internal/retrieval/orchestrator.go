// Package retrieval composes query refinement, graph expansion, vector
// search, reranking and answer synthesis into one federated query operation.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stackmesh/fedrag/internal/config"
	"github.com/stackmesh/fedrag/internal/graph"
	"github.com/stackmesh/fedrag/internal/rerank"
	"github.com/stackmesh/fedrag/internal/vector"
)

// Mode selects which retrieval paths run for a query.
type Mode string

const (
	// ModeHybrid runs both the graph-expansion and vector-search paths.
	ModeHybrid Mode = "hybrid"
	// ModeVector skips entity extraction and graph expansion.
	ModeVector Mode = "vector"
	// ModeGraph skips vector search.
	ModeGraph Mode = "graph"
)

// NormalizeMode maps unknown or empty mode strings to the hybrid default.
func NormalizeMode(s string) Mode {
	switch Mode(s) {
	case ModeVector, ModeGraph:
		return Mode(s)
	default:
		return ModeHybrid
	}
}

const (
	shortQueryWords  = 5
	neighborLimit    = 10
	pathLimit        = 5
	expandedEntities = 10
	graphChunkCap    = 25
	vectorTopK       = 20
	rerankTopK       = 8
	queryAttempts    = 3

	notFoundAnswer = "I could not find any relevant information in the indexed documents."
)

// modelProvider is the slice of the model layer the orchestrator calls.
type modelProvider interface {
	Refine(ctx context.Context, query string) (string, error)
	ExtractEntities(ctx context.Context, query string) ([]string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	GenerateCloud(ctx context.Context, prompt, system string) (string, error)
	Settings() config.LLMSettings
}

// graphStore is the graph traversal surface used for expansion.
type graphStore interface {
	Neighbors(ctx context.Context, term string, limit int) []graph.Triple
	FindPaths(ctx context.Context, termA, termB string, limit int) []graph.Triple
	ChunksForEntity(ctx context.Context, term, source string, limit int) []graph.ChunkRef
}

// vectorStore is the similarity-search surface used for retrieval.
type vectorStore interface {
	Search(ctx context.Context, embedding []float32, limit int, source string) ([]vector.ScoredPoint, error)
	GetByIDs(ctx context.Context, ids []string) ([]vector.Point, error)
}

// Request is one federated query.
type Request struct {
	Query  string `json:"query"`
	Source string `json:"source,omitempty"`
	Mode   Mode   `json:"mode,omitempty"`
}

// Source cites one passage backing the answer.
type Source struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
	PageNumber int     `json:"page_number"`
}

// Debug records what the pipeline actually did for a query. It is part of
// the response contract, not optional instrumentation.
type Debug struct {
	Mode            Mode   `json:"mode"`
	OriginalQuery   string `json:"original_query"`
	RefinedQuery    string `json:"refined_query"`
	PromptSent      string `json:"prompt_sent"`
	GraphCandidates int    `json:"graph_candidates"`
	VectorHits      int    `json:"vector_hits"`
	PooledCount     int    `json:"pooled_count"`
	RerankedCount   int    `json:"reranked_count"`
	ProviderUsed    string `json:"provider_used"`
}

// Result is the full answer payload for one query.
type Result struct {
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
	GraphContext []string `json:"graph_context"`
	Debug        Debug    `json:"debug"`
}

// candidate is one pooled chunk before reranking.
type candidate struct {
	id         string
	text       string
	source     string
	score      float64
	chunkIndex int
	pageNumber int
}

// Orchestrator runs the per-query retrieval pipeline.
type Orchestrator struct {
	model    modelProvider
	graph    graphStore
	vectors  vectorStore
	reranker rerank.Reranker
	logger   *slog.Logger
}

// New wires the orchestrator's four backing components.
func New(model modelProvider, g graphStore, v vectorStore, r rerank.Reranker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{model: model, graph: g, vectors: v, reranker: r, logger: logger}
}

// Query runs the whole pipeline, retrying the operation as a unit on failure.
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		out, err := o.runOnce(ctx, req)
		if err != nil {
			o.logger.Warn("query attempt failed", "query", req.Query, "error", err)
			return err
		}
		result = out
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, queryAttempts-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("query failed after %d attempts: %w", queryAttempts, err)
	}
	return result, nil
}

func (o *Orchestrator) runOnce(ctx context.Context, req Request) (*Result, error) {
	mode := NormalizeMode(string(req.Mode))
	debug := Debug{
		Mode:          mode,
		OriginalQuery: req.Query,
		ProviderUsed:  o.providerLabel(),
	}

	// Stage 1: refinement. Short queries under-specify intent for both
	// embedding similarity and entity extraction.
	refined := req.Query
	if len(strings.Fields(req.Query)) < shortQueryWords {
		out, err := o.model.Refine(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("refine query: %w", err)
		}
		if out != "" {
			refined = out
		}
	}
	debug.RefinedQuery = refined

	// Stages 2-3: entity extraction and graph expansion.
	var (
		entities   []string
		triples    []graph.Triple
		graphCands []candidate
	)
	if mode != ModeVector {
		var err error
		entities, err = o.model.ExtractEntities(ctx, refined)
		if err != nil {
			return nil, fmt.Errorf("extract entities: %w", err)
		}
		triples, graphCands = o.expandGraph(ctx, entities, req.Source)
	}
	debug.GraphCandidates = len(graphCands)

	// Stage 4: vector search over the refined query.
	var vectorCands []candidate
	if mode != ModeGraph {
		embedding, err := o.model.Embed(ctx, refined)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		hits, err := o.vectors.Search(ctx, embedding, vectorTopK, req.Source)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, h := range hits {
			vectorCands = append(vectorCands, candidate{
				id:         h.ID,
				text:       h.Text,
				source:     h.Source,
				score:      float64(h.Score),
				chunkIndex: h.ChunkIndex,
				pageNumber: h.PageNumber,
			})
		}
	}
	debug.VectorHits = len(vectorCands)

	// Stage 5: pooling. Vector candidates first so their payload wins on an
	// id collision.
	pool := poolCandidates(vectorCands, graphCands)
	debug.PooledCount = len(pool)

	if len(pool) == 0 {
		debug.PromptSent = ""
		return &Result{
			Answer:       notFoundAnswer,
			Sources:      []Source{},
			GraphContext: entities,
			Debug:        debug,
		}, nil
	}

	// Stage 6: reranking.
	passages := make([]string, len(pool))
	for i, c := range pool {
		passages[i] = c.text
	}
	ranked, err := o.reranker.Rerank(refined, passages, rerankTopK)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}

	top := make([]candidate, 0, len(ranked))
	for _, r := range ranked {
		c := pool[r.Index]
		c.score = r.Score
		top = append(top, c)
	}
	debug.RerankedCount = len(top)

	// Stage 7: synthesis on the capable channel.
	prompt := buildSynthesisPrompt(req.Query, refined, triples, top)
	debug.PromptSent = prompt

	answer, err := o.model.GenerateCloud(ctx, prompt, synthesisSystem)
	if err != nil {
		return nil, fmt.Errorf("synthesize answer: %w", err)
	}

	sources := make([]Source, len(top))
	for i, c := range top {
		sources[i] = Source{
			Source:     c.source,
			Text:       c.text,
			Score:      c.score,
			ChunkIndex: c.chunkIndex,
			PageNumber: c.pageNumber,
		}
	}

	return &Result{
		Answer:       answer,
		Sources:      sources,
		GraphContext: entities,
		Debug:        debug,
	}, nil
}

// expandGraph fetches neighbors of each entity plus direct paths among the
// entity set, widens the entity set to every triple endpoint, then pulls the
// chunks mentioning any expanded entity out of the vector store.
func (o *Orchestrator) expandGraph(ctx context.Context, entities []string, source string) ([]graph.Triple, []candidate) {
	if len(entities) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var triples []graph.Triple
	add := func(ts []graph.Triple) {
		for _, t := range ts {
			key := t.Source + "\x00" + t.Relation + "\x00" + t.Target
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			triples = append(triples, t)
		}
	}

	for _, e := range entities {
		add(o.graph.Neighbors(ctx, e, neighborLimit))
	}
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			add(o.graph.FindPaths(ctx, entities[i], entities[j], pathLimit))
		}
	}

	// Widen to triple endpoints, bounded to cap query fan-out.
	expandedSet := make(map[string]struct{})
	var expanded []string
	grow := func(name string) {
		if len(expanded) >= expandedEntities {
			return
		}
		if _, ok := expandedSet[name]; ok || name == "" {
			return
		}
		expandedSet[name] = struct{}{}
		expanded = append(expanded, name)
	}
	for _, e := range entities {
		grow(e)
	}
	for _, t := range triples {
		grow(t.Source)
		grow(t.Target)
	}

	chunkSeen := make(map[string]struct{})
	var chunkIDs []string
	for _, e := range expanded {
		for _, ref := range o.graph.ChunksForEntity(ctx, e, source, graphChunkCap) {
			if _, ok := chunkSeen[ref.ID]; ok {
				continue
			}
			chunkSeen[ref.ID] = struct{}{}
			chunkIDs = append(chunkIDs, ref.ID)
			if len(chunkIDs) >= graphChunkCap {
				break
			}
		}
		if len(chunkIDs) >= graphChunkCap {
			break
		}
	}

	points, err := o.vectors.GetByIDs(ctx, chunkIDs)
	if err != nil {
		// Graph results are best-effort enrichment; the vector path still
		// stands on its own.
		o.logger.Warn("graph chunk hydration failed", "error", err)
		return triples, nil
	}

	cands := make([]candidate, 0, len(points))
	for _, p := range points {
		cands = append(cands, candidate{
			id:         p.ID,
			text:       p.Text,
			source:     p.Source,
			chunkIndex: p.ChunkIndex,
			pageNumber: p.PageNumber,
		})
	}
	return triples, cands
}

// poolCandidates unions the two paths, deduplicating by chunk id with first
// occurrence winning.
func poolCandidates(vectorCands, graphCands []candidate) []candidate {
	seen := make(map[string]struct{})
	pool := make([]candidate, 0, len(vectorCands)+len(graphCands))
	for _, c := range append(append([]candidate{}, vectorCands...), graphCands...) {
		if _, ok := seen[c.id]; ok {
			continue
		}
		seen[c.id] = struct{}{}
		pool = append(pool, c)
	}
	return pool
}

const synthesisSystem = `You are a precise research assistant. Answer strictly from the provided context. If the context does not contain the answer, say so. Cite source documents by name.`

// buildSynthesisPrompt assembles the context block the capable channel
// answers from.
func buildSynthesisPrompt(original, refined string, triples []graph.Triple, top []candidate) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User Question: %s\n", original)
	if refined != original {
		fmt.Fprintf(&b, "Expanded Question: %s\n", refined)
	}

	if len(triples) > 0 {
		b.WriteString("\nKnowledge Graph Relationships:\n")
		for _, t := range triples {
			fmt.Fprintf(&b, "- %s %s %s\n", t.Source, t.Relation, t.Target)
		}
	}

	b.WriteString("\nRetrieved Passages:\n")
	for i, c := range top {
		fmt.Fprintf(&b, "[%d] (source: %s, page: %d)\n%s\n\n", i+1, c.source, c.pageNumber, c.text)
	}

	b.WriteString("Answer the user question using only the context above.")
	return b.String()
}

func (o *Orchestrator) providerLabel() string {
	s := o.model.Settings()
	if s.UseLocalLLM {
		return fmt.Sprintf("%s (local-first: %s)", s.Provider, s.LocalModel)
	}
	return fmt.Sprintf("%s (%s)", s.Provider, s.CloudModel)
}
