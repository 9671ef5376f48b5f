// Package main provides the HTTP API entry point for the federated
// retrieval engine.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stackmesh/fedrag/internal/api"
	"github.com/stackmesh/fedrag/internal/config"
	"github.com/stackmesh/fedrag/internal/graph"
	"github.com/stackmesh/fedrag/internal/ledger"
	"github.com/stackmesh/fedrag/internal/llm"
	"github.com/stackmesh/fedrag/internal/notify"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/rerank"
	"github.com/stackmesh/fedrag/internal/retrieval"
	"github.com/stackmesh/fedrag/internal/vector"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	vectors, err := vector.NewStore(cfg.QdrantHost, cfg.QdrantPort, cfg.LLM.EmbeddingDimension())
	if err != nil {
		logger.Error("failed to connect to qdrant", "error", err)
		os.Exit(1)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx); err != nil {
		logger.Error("failed to ensure collection", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	falkorClient := redis.NewClient(&redis.Options{Addr: cfg.FalkorAddr})
	defer falkorClient.Close()

	graphStore := graph.NewStore(falkorClient, graph.DefaultGraphName, logger)
	stateLedger := ledger.New(redisClient)
	notifier := notify.New(redisClient, logger)

	model := llm.NewResilient(cfg.OllamaURL, cfg.LLM, logger)

	modelPath, err := rerank.PrepareModel("sentence-transformers/all-MiniLM-L6-v2", cfg.RerankerModelDir)
	if err != nil {
		logger.Error("failed to prepare reranker model", "error", err)
		os.Exit(1)
	}
	reranker, err := rerank.NewBiEncoder(modelPath)
	if err != nil {
		logger.Error("failed to load reranker", "error", err)
		os.Exit(1)
	}

	orchestrator := retrieval.New(model, graphStore, vectors, reranker, logger)

	producer := queue.NewProducer(cfg.KafkaBrokers, config.IngestTopic)
	defer producer.Close()

	server := api.New(cfg, orchestrator, producer, stateLedger, notifier,
		vectors, graphStore, model, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
