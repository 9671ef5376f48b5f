// Package config loads process configuration from the environment and holds
// the runtime-mutable model provider settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for the processing pipeline. CHUNK_SIZE/CHUNK_OVERLAP control the
// overlapping splitter; SummarizeThreshold is the largest text summarized in
// a single prompt before the recursive split kicks in.
const (
	DefaultChunkSize          = 4000
	DefaultChunkOverlap       = 200
	DefaultSummarizeThreshold = 12000

	DefaultLocalModel = "mistral"
	DefaultCloudModel = "gpt-4o"

	// IngestTopic is the Kafka topic carrying document jobs.
	IngestTopic = "doc_ingest"
	// ConsumerGroup identifies the worker consumer group.
	ConsumerGroup = "fedrag_worker"
)

// Provider names accepted for PROVIDER / the settings endpoint.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config is the immutable process-level configuration read once at startup.
type Config struct {
	QdrantHost       string
	QdrantPort       int
	RedisAddr        string
	FalkorAddr       string
	KafkaBrokers     []string
	OllamaURL        string
	UploadDir        string
	RerankerModelDir string
	ChunkSize        int
	ChunkOverlap     int
	ListenAddr       string
	LLM              LLMSettings
}

// LLMSettings is the runtime-swappable part of the configuration. A settings
// update builds a whole new value; nothing in here is mutated in place.
type LLMSettings struct {
	Provider    string
	APIKey      string
	CloudModel  string
	LocalModel  string
	UseLocalLLM bool
}

// EmbeddingDimension returns the vector size the active embedding model
// produces. OpenAI text-embedding-3-small is 1536-dim; Ollama local models
// in this deployment are 768-dim.
func (s LLMSettings) EmbeddingDimension() int {
	if s.Provider == ProviderOllama {
		return 768
	}
	return 1536
}

// Load reads configuration from the environment. Call godotenv.Load first in
// main if a .env file should be honored.
func Load() (*Config, error) {
	cfg := &Config{
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvInt("QDRANT_PORT", 6334),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		FalkorAddr:       getEnv("FALKOR_ADDR", "localhost:6379"),
		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		OllamaURL:        strings.TrimRight(getEnv("OLLAMA_URL", "http://localhost:11434"), "/"),
		UploadDir:        getEnv("UPLOAD_DIR", "temp"),
		RerankerModelDir: getEnv("RERANKER_MODEL_DIR", "./models"),
		ChunkSize:        getEnvInt("CHUNK_SIZE", DefaultChunkSize),
		ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", DefaultChunkOverlap),
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		LLM: LLMSettings{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
			APIKey:      os.Getenv("OPENAI_API_KEY"),
			CloudModel:  getEnv("CLOUD_MODEL", DefaultCloudModel),
			LocalModel:  getEnv("LOCAL_MODEL", DefaultLocalModel),
			UseLocalLLM: getEnv("USE_LOCAL_LLM", "false") == "true",
		},
	}

	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)",
			cfg.ChunkOverlap, cfg.ChunkSize)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
