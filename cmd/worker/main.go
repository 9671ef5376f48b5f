// Package main provides the ingestion worker entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stackmesh/fedrag/internal/config"
	"github.com/stackmesh/fedrag/internal/graph"
	"github.com/stackmesh/fedrag/internal/ingest"
	"github.com/stackmesh/fedrag/internal/ledger"
	"github.com/stackmesh/fedrag/internal/llm"
	"github.com/stackmesh/fedrag/internal/notify"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/vector"
)

var rootCmd = &cobra.Command{
	Use:   "fedrag-worker",
	Short: "Document ingestion worker",
	Long:  "Consumes queued documents and indexes them into the graph and vector stores",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the ingestion queue until interrupted",
	Long: `Runs the sequential ingestion loop.

Each dequeued job is loaded, summarized, chunked, enriched with graph
triples and contextual embeddings, and written to FalkorDB and Qdrant.
Offsets are committed after each job; content-hash dedup makes
redelivery idempotent.

Environment variables:
  KAFKA_BROKERS  Kafka bootstrap servers (default: localhost:9092)
  QDRANT_HOST    Qdrant hostname (default: localhost)
  QDRANT_PORT    Qdrant gRPC port (default: 6334)
  REDIS_ADDR     Redis address for ledger and notifications (default: localhost:6379)
  FALKOR_ADDR    FalkorDB address (default: localhost:6379)
  OPENAI_API_KEY OpenAI API key (required unless LLM_PROVIDER=ollama)
  USE_LOCAL_LLM  Prefer the local Ollama channel for generation (default: false)`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	vectors, err := vector.NewStore(cfg.QdrantHost, cfg.QdrantPort, cfg.LLM.EmbeddingDimension())
	if err != nil {
		return fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	falkorClient := redis.NewClient(&redis.Options{Addr: cfg.FalkorAddr})
	defer falkorClient.Close()

	worker := ingest.NewWorker(
		llm.NewResilient(cfg.OllamaURL, cfg.LLM, logger),
		graph.NewStore(falkorClient, graph.DefaultGraphName, logger),
		vectors,
		ledger.New(redisClient),
		notify.New(redisClient, logger),
		ingest.FileLoader{},
		ingest.Config{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap},
		logger,
	)

	consumer := queue.NewConsumer(cfg.KafkaBrokers, config.IngestTopic, config.ConsumerGroup, logger)

	logger.Info("worker consuming", "topic", config.IngestTopic, "group", config.ConsumerGroup)
	return consumer.Run(ctx, worker.Handle)
}
