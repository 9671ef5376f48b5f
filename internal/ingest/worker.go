// Package ingest turns queued documents into graph triples and contextual
// chunk embeddings, writing both stores and recording progress in the
// ledger.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/stackmesh/fedrag/internal/graph"
	"github.com/stackmesh/fedrag/internal/ledger"
	"github.com/stackmesh/fedrag/internal/llm"
	"github.com/stackmesh/fedrag/internal/notify"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/vector"
)

// modelProvider is the slice of the model layer ingestion calls.
type modelProvider interface {
	Summarize(ctx context.Context, text string) (string, error)
	ExtractGraph(ctx context.Context, text string) (*llm.GraphPayload, error)
	ContextualHeader(ctx context.Context, docSummary, chunkText string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// graphWriter is the graph mutation surface ingestion uses.
type graphWriter interface {
	AddEntities(ctx context.Context, entities []graph.Entity) error
	AddTriples(ctx context.Context, triples []graph.Triple) error
	LinkChunk(ctx context.Context, chunkID, source string, entityNames []string) error
}

// vectorWriter is the vector upsert surface ingestion uses.
type vectorWriter interface {
	Upsert(ctx context.Context, points []vector.Point) error
}

// jobLedger is the authoritative state store for jobs and content hashes.
type jobLedger interface {
	MarkJob(ctx context.Context, batch, path, state string) error
	HashState(ctx context.Context, contentHash string) (string, error)
	CompleteHash(ctx context.Context, contentHash string) error
	ReleaseHash(ctx context.Context, contentHash string) error
}

// progressNotifier is the fire-and-forget event feed.
type progressNotifier interface {
	Publish(ctx context.Context, batch string, event notify.Event)
}

// Worker processes one ingestion job at a time, fully sequential: chunk
// page resolution depends on the previous chunk's position, so chunks are
// never parallelized within a job.
type Worker struct {
	model    modelProvider
	graph    graphWriter
	vectors  vectorWriter
	ledger   jobLedger
	notifier progressNotifier
	loader   Loader

	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

// Config carries the worker's chunking parameters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// NewWorker wires the worker's backing components.
func NewWorker(model modelProvider, g graphWriter, v vectorWriter, l jobLedger,
	n progressNotifier, loader Loader, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		model:        model,
		graph:        g,
		vectors:      v,
		ledger:       l,
		notifier:     n,
		loader:       loader,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		logger:       logger,
	}
}

// ChunkID derives the deterministic point id for chunk i of a batch.
// Deterministic ids make redelivered jobs overwrite their own chunks instead
// of duplicating them.
func ChunkID(batch string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("%s_%d", batch, index))).String()
}

// Handle runs the full job pipeline for one queue message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	file := filepath.Base(msg.Path)
	log := w.logger.With("batch", msg.Batch, "file", file)

	// Announce before any expensive work so in-flight state is observable.
	if err := w.ledger.MarkJob(ctx, msg.Batch, file, ledger.StateProcessing); err != nil {
		return err
	}
	w.notifier.Publish(ctx, msg.Batch, notify.Event{File: file, Status: ledger.StateProcessing})

	// Redelivered messages for already-ingested content are skipped.
	hashState, err := w.ledger.HashState(ctx, msg.Hash)
	if err != nil {
		return w.fail(ctx, msg, file, err)
	}
	if hashState == ledger.HashCompleted {
		log.Info("content already ingested, skipping")
		if err := w.ledger.MarkJob(ctx, msg.Batch, file, ledger.StateSkipped); err != nil {
			return err
		}
		w.notifier.Publish(ctx, msg.Batch, notify.Event{File: file, Status: ledger.StateSkipped})
		return nil
	}

	pages, err := w.loader.Load(ctx, msg.Path)
	if err != nil {
		return w.fail(ctx, msg, file, fmt.Errorf("load document: %w", err))
	}
	pageMap := NewPageMap(pages)

	summary, err := w.model.Summarize(ctx, pageMap.Text())
	if err != nil {
		return w.fail(ctx, msg, file, fmt.Errorf("summarize document: %w", err))
	}

	chunks := SplitText(pageMap.Text(), w.chunkSize, w.chunkOverlap)
	resolver := NewResolver(pageMap)
	log.Info("processing chunks", "pages", len(pages), "chunks", len(chunks))

	for i, chunk := range chunks {
		w.indexChunk(ctx, msg, file, summary, chunk, i, resolver, log)
		w.notifier.Publish(ctx, msg.Batch, notify.Event{
			File:     file,
			Status:   ledger.StateProcessing,
			Progress: float64(i+1) / float64(len(chunks)),
		})
	}

	if err := w.ledger.MarkJob(ctx, msg.Batch, file, ledger.StateCompleted); err != nil {
		return err
	}
	if err := w.ledger.CompleteHash(ctx, msg.Hash); err != nil {
		return err
	}
	w.notifier.Publish(ctx, msg.Batch, notify.Event{
		File: file, Status: ledger.StateCompleted, Progress: 1,
	})
	log.Info("ingestion completed")
	return nil
}

// indexChunk runs graph enrichment and vector indexing for one chunk. The
// two paths degrade independently: a failure in either is logged and skipped
// without aborting the other, or the document.
func (w *Worker) indexChunk(ctx context.Context, msg queue.Message, file, summary, chunk string,
	index int, resolver *Resolver, log *slog.Logger) {
	chunkID := ChunkID(msg.Batch, index)

	if err := w.extractToGraph(ctx, chunkID, file, chunk); err != nil {
		log.Warn("graph extraction skipped for chunk", "chunk", index, "error", err)
	}

	if err := w.embedToVectors(ctx, msg, chunkID, file, summary, chunk, index, resolver); err != nil {
		log.Warn("vector indexing skipped for chunk", "chunk", index, "error", err)
	}
}

func (w *Worker) extractToGraph(ctx context.Context, chunkID, file, chunk string) error {
	payload, err := w.model.ExtractGraph(ctx, chunk)
	if err != nil {
		return err
	}

	entities := make([]graph.Entity, 0, len(payload.Entities))
	names := make([]string, 0, len(payload.Entities))
	for _, e := range payload.Entities {
		entities = append(entities, graph.Entity{Name: e.Name, Type: e.Type})
		names = append(names, e.Name)
	}
	if err := w.graph.AddEntities(ctx, entities); err != nil {
		return err
	}

	triples := make([]graph.Triple, 0, len(payload.Relationships))
	for _, r := range payload.Relationships {
		triples = append(triples, graph.Triple{
			Source:   r.Source,
			Relation: r.Relation,
			Target:   r.Target,
		})
	}
	if err := w.graph.AddTriples(ctx, triples); err != nil {
		return err
	}
	return w.graph.LinkChunk(ctx, chunkID, file, names)
}

func (w *Worker) embedToVectors(ctx context.Context, msg queue.Message, chunkID, file, summary, chunk string,
	index int, resolver *Resolver) error {
	// Page resolution must happen even if the header call fails, to keep the
	// monotonic cursor aligned with chunk order.
	page := resolver.Resolve(chunk)

	headered := chunk
	header, err := w.model.ContextualHeader(ctx, summary, chunk)
	if err != nil {
		w.logger.Warn("contextual header skipped for chunk", "chunk", index, "error", err)
	} else if header != "" {
		headered = header + "\n\n" + chunk
	}

	embedding, err := w.model.Embed(ctx, headered)
	if err != nil {
		return err
	}

	return w.vectors.Upsert(ctx, []vector.Point{{
		ID:         chunkID,
		Embedding:  embedding,
		Text:       headered,
		Source:     file,
		Batch:      msg.Batch,
		ChunkIndex: index,
		PageNumber: page,
	}})
}

// fail records a terminal job failure: ledger marked FAILED with the error
// text, the content-hash record released so a retry is accepted, and a
// failure event published.
func (w *Worker) fail(ctx context.Context, msg queue.Message, file string, cause error) error {
	w.logger.Error("ingestion failed", "batch", msg.Batch, "file", file, "error", cause)

	state := fmt.Sprintf("%s: %v", ledger.StateFailed, cause)
	if err := w.ledger.MarkJob(ctx, msg.Batch, file, state); err != nil {
		w.logger.Error("failed to record job failure", "error", err)
	}
	if err := w.ledger.ReleaseHash(ctx, msg.Hash); err != nil {
		w.logger.Error("failed to release content hash", "hash", msg.Hash, "error", err)
	}
	w.notifier.Publish(ctx, msg.Batch, notify.Event{
		File: file, Status: ledger.StateFailed, Error: cause.Error(),
	})
	return cause
}
