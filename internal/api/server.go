// Package api exposes the upload, query, progress and admin endpoints over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stackmesh/fedrag/internal/config"
	"github.com/stackmesh/fedrag/internal/notify"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/retrieval"
)

// querier runs one federated query.
type querier interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// enqueuer publishes ingestion jobs.
type enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// stateStore is the ledger surface the API needs.
type stateStore interface {
	TryAcquireHash(ctx context.Context, contentHash string) (bool, error)
	HashState(ctx context.Context, contentHash string) (string, error)
	ReleaseHash(ctx context.Context, contentHash string) error
	Reset(ctx context.Context) error
}

// subscriber attaches to a batch's progress feed.
type subscriber interface {
	Subscribe(ctx context.Context, batch string) <-chan notify.Event
}

// corpusStore is the vector-store surface the API needs.
type corpusStore interface {
	ListSources(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// graphAdmin resets the knowledge graph.
type graphAdmin interface {
	Reset(ctx context.Context) error
}

// modelAdmin reads and hot-swaps the model provider configuration.
type modelAdmin interface {
	Settings() config.LLMSettings
	Switch(ollamaURL string, settings config.LLMSettings)
}

// Server wires the HTTP surface to the engine's components.
type Server struct {
	cfg      *config.Config
	querier  querier
	producer enqueuer
	ledger   stateStore
	notifier subscriber
	corpus   corpusStore
	graph    graphAdmin
	model    modelAdmin
	logger   *slog.Logger
}

// New builds the server. All dependencies are required.
func New(cfg *config.Config, q querier, p enqueuer, l stateStore, n subscriber,
	c corpusStore, g graphAdmin, m modelAdmin, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		querier:  q,
		producer: p,
		ledger:   l,
		notifier: n,
		corpus:   c,
		graph:    g,
		model:    m,
		logger:   logger,
	}
}

// Router assembles the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/upload", s.handleUpload)
	r.POST("/query", s.handleQuery)
	r.GET("/stream/:batch", s.handleStream)
	r.GET("/documents", s.handleDocuments)
	r.POST("/reset", s.handleReset)
	r.GET("/settings", s.handleGetSettings)
	r.POST("/settings", s.handleUpdateSettings)

	return r
}
