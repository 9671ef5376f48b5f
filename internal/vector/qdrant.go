// Package vector stores chunk embeddings in Qdrant and serves similarity
// search for the retrieval pipeline.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// CollectionName is the single collection all document chunks live in.
const CollectionName = "federated_docs"

var (
	// ErrQdrantUnreachable indicates Qdrant could not be reached at startup.
	ErrQdrantUnreachable = errors.New("qdrant unreachable")

	// ErrDimensionMismatch indicates an embedding of the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Point is one chunk record: its embedding plus the payload retrieval needs
// to cite it.
type Point struct {
	ID         string
	Embedding  []float32
	Text       string
	Source     string
	Batch      string
	ChunkIndex int
	PageNumber int
}

// ScoredPoint is a search hit with its cosine similarity score.
type ScoredPoint struct {
	Point
	Score float32
}

// Store wraps the Qdrant client with collection management and health checks.
type Store struct {
	client    *qdrant.Client
	dimension uint64
}

// NewStore creates a Qdrant client and validates connectivity with retry.
// The embedding dimension is fixed per deployment by the embedding provider.
func NewStore(host string, port int, dimension int) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &Store{client: client, dimension: uint64(dimension)}

	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return s, nil
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// Health performs a single health check against Qdrant.
func (s *Store) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the chunk collection if missing. Idempotent.
func (s *Store) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == CollectionName {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Source is the only field retrieval filters on.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: CollectionName,
		FieldName:      "source",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to create source index: %w", err)
	}
	return nil
}

// Upsert stores chunk points, batched in groups of 100.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for i, p := range points {
		if uint64(len(p.Embedding)) != s.dimension {
			return fmt.Errorf("%w: point %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(p.Embedding), s.dimension)
		}
	}

	batchSize := 100
	for i := 0; i < len(points); i += batchSize {
		end := i + batchSize
		if end > len(points) {
			end = len(points)
		}

		batch := points[i:end]
		structs := make([]*qdrant.PointStruct, len(batch))
		for j, p := range batch {
			structs[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectors(p.Embedding...),
				Payload: qdrant.NewValueMap(map[string]any{
					"text":        p.Text,
					"source":      p.Source,
					"batch":       p.Batch,
					"chunk_index": p.ChunkIndex,
					"chunk_id":    p.ID,
					"page_number": p.PageNumber,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, structs); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// upsertWithRetry performs the upsert with exponential backoff retry.
func (s *Store) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: CollectionName,
			Points:         points,
		})
		return err
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// Search returns the top chunks by cosine similarity, optionally restricted
// to one source document.
func (s *Store) Search(ctx context.Context, embedding []float32, limit int, source string) ([]ScoredPoint, error) {
	if uint64(len(embedding)) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(embedding), s.dimension)
	}

	var filter *qdrant.Filter
	if source != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("source", source)},
		}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionName,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, result := range results {
		hits = append(hits, ScoredPoint{
			Point: pointFromPayload(result.Id.GetUuid(), result.Payload),
			Score: result.Score,
		})
	}
	return hits, nil
}

// GetByIDs fetches chunk payloads by point ID. An empty input returns an
// empty result without a round trip.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	results, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: CollectionName,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}

	points := make([]Point, 0, len(results))
	for _, result := range results {
		points = append(points, pointFromPayload(result.Id.GetUuid(), result.Payload))
	}
	return points, nil
}

// ListSources returns the unique source document names in the collection.
func (s *Store) ListSources(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var offset *qdrant.PointId
	batchSize := uint32(200)

	for {
		results, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: CollectionName,
			Limit:          qdrant.PtrOf(batchSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude("source"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll sources: %w", err)
		}

		for _, result := range results {
			if src := result.Payload["source"].GetStringValue(); src != "" {
				seen[src] = struct{}{}
			}
		}

		if uint32(len(results)) < batchSize {
			break
		}
		offset = results[len(results)-1].Id
	}

	sources := make([]string, 0, len(seen))
	for src := range seen {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return sources, nil
}

// Clear drops all points by deleting and recreating the collection.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, CollectionName); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureCollection(ctx)
}

// Count returns the number of stored chunk points.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	collection, err := s.client.GetCollectionInfo(ctx, CollectionName)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection: %w", err)
	}
	return collection.GetPointsCount(), nil
}

// Close closes the underlying client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func pointFromPayload(id string, payload map[string]*qdrant.Value) Point {
	return Point{
		ID:         id,
		Text:       payload["text"].GetStringValue(),
		Source:     payload["source"].GetStringValue(),
		Batch:      payload["batch"].GetStringValue(),
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
		PageNumber: int(payload["page_number"].GetIntegerValue()),
	}
}
