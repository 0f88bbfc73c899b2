// Package ingest turns uploaded documents into stored, embedded chunks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/chunk"
	"github.com/kalambet/kbchat/internal/extract"
	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// JobType is the queue job type handled by Worker.
const JobType = "ingest_document"

const (
	defaultBudget       = 300 * time.Second
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

var (
	// ErrBudgetExceeded means the job ran past its wall-clock budget.
	ErrBudgetExceeded = errors.New("ingestion time budget exceeded")
	ErrNoText         = errors.New("no extractable text")
	ErrNoEmbeddings   = errors.New("no chunk could be embedded")
)

// Payload is the job payload of an ingest_document job.
type Payload struct {
	DocumentID string `json:"document_id" validate:"required"`
}

// Result is stored as the job result on success.
type Result struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Dropped    int    `json:"dropped"`
	Characters int    `json:"characters"`
}

// Extractor resolves a document URI to normalized text.
type Extractor interface {
	Extract(ctx context.Context, uri, declaredType string) (extract.Result, error)
}

// ChunkEmbedder embeds a document's chunks. *retrieval.Generator implements it.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, chunks []chunk.Chunk, kbID, docID string, meta retrieval.ChunkMetadata) (retrieval.BatchResult, error)
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	// Budget bounds one attempt's wall-clock time. Defaults to 300s.
	Budget  time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Worker handles ingest_document jobs: extract, chunk, embed, store.
type Worker struct {
	store     *storage.Store
	extractor Extractor
	embedder  ChunkEmbedder
	vectors   retrieval.VectorStore
	cfg       Config
	log       *zap.Logger
}

var _ queue.Handler = (*Worker)(nil)

// NewWorker creates a Worker with the given dependencies.
func NewWorker(store *storage.Store, ex Extractor, emb ChunkEmbedder, vectors retrieval.VectorStore, cfg Config) *Worker {
	if cfg.Budget <= 0 {
		cfg.Budget = defaultBudget
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize, cfg.ChunkOverlap = defaultChunkSize, defaultChunkOverlap
	}
	return &Worker{
		store:     store,
		extractor: ex,
		embedder:  emb,
		vectors:   vectors,
		cfg:       cfg,
		log:       logging.OrNop(cfg.Logger).Named("ingest"),
	}
}

// Handle processes one attempt of an ingest_document job. Failures that
// cannot succeed on retry are marked queue.Permanent. The document is marked
// failed only when the job will not be retried.
func (w *Worker) Handle(ctx context.Context, job *storage.Job) (any, error) {
	p, err := decodePayload(job.Payload)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	doc, err := w.store.GetDocument(ctx, p.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("document %s: %w", p.DocumentID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", p.DocumentID, err)
	}
	if doc.Status == storage.DocProcessed {
		w.log.Info("document already processed", zap.String("document_id", doc.ID))
		return Result{DocumentID: doc.ID, Chunks: doc.ChunkCount, Characters: doc.CharacterCount}, nil
	}
	if err := w.store.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		return nil, queue.Permanent(fmt.Errorf("starting document %s: %w", doc.ID, err))
	}

	budgetCtx, cancel := context.WithTimeout(ctx, w.cfg.Budget)
	defer cancel()

	res, err := w.process(budgetCtx, doc)
	if err != nil {
		if ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrBudgetExceeded) {
			err = fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		w.fail(ctx, job, doc, err)
		return nil, err
	}
	return res, nil
}

func (w *Worker) process(ctx context.Context, doc *storage.Document) (Result, error) {
	log := w.log.With(zap.String("document_id", doc.ID), zap.String("knowledge_base_id", doc.KnowledgeBaseID))

	// Extract.
	if err := checkpoint(ctx, "extract"); err != nil {
		return Result{}, err
	}
	start := time.Now()
	text, err := w.extractor.Extract(ctx, doc.SourceURI, doc.FileType)
	w.cfg.Metrics.ObserveStage("extract", start)
	if err != nil {
		if errors.Is(err, extract.ErrFetch) {
			return Result{}, err
		}
		return Result{}, queue.Permanent(err)
	}
	if text.CharCount == 0 {
		return Result{}, queue.Permanent(ErrNoText)
	}

	// Chunk.
	if err := checkpoint(ctx, "chunk"); err != nil {
		return Result{}, err
	}
	chunks, err := chunk.Split(text.Text, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if err != nil {
		return Result{}, queue.Permanent(err)
	}

	// Embed.
	if err := checkpoint(ctx, "embed"); err != nil {
		return Result{}, err
	}
	start = time.Now()
	batch, err := w.embedder.EmbedBatch(ctx, chunks, doc.KnowledgeBaseID, doc.ID, retrieval.ChunkMetadata{
		FileName: doc.FileName,
		FileType: doc.FileType,
	})
	w.cfg.Metrics.ObserveStage("embed", start)
	if err != nil {
		return Result{}, err
	}
	w.cfg.Metrics.ChunkResults(len(batch.Rows), batch.Dropped)
	if len(batch.Rows) == 0 {
		return Result{}, queue.Permanent(fmt.Errorf("%w: %w", ErrNoEmbeddings, batch.FirstError))
	}
	if batch.Dropped > 0 {
		log.Warn("some chunks were dropped", zap.Int("dropped", batch.Dropped), zap.Int("kept", len(batch.Rows)), zap.Error(batch.FirstError))
	}

	// Store. Rows from an earlier attempt are replaced.
	if err := checkpoint(ctx, "store"); err != nil {
		return Result{}, err
	}
	start = time.Now()
	if _, err := w.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return Result{}, fmt.Errorf("clearing previous chunks: %w", err)
	}
	if err := w.vectors.InsertBatch(ctx, doc.KnowledgeBaseID, batch.Rows); err != nil {
		if errors.Is(err, retrieval.ErrDimensionMismatch) {
			return Result{}, queue.Permanent(err)
		}
		return Result{}, fmt.Errorf("storing chunks: %w", err)
	}
	w.cfg.Metrics.ObserveStage("store", start)

	if err := w.store.MarkDocumentProcessed(context.WithoutCancel(ctx), doc.ID, len(batch.Rows), text.CharCount); err != nil {
		return Result{}, fmt.Errorf("marking document processed: %w", err)
	}

	log.Info("document ingested", zap.Int("chunks", len(batch.Rows)), zap.Int("dropped", batch.Dropped), zap.Int("chars", text.CharCount))
	return Result{DocumentID: doc.ID, Chunks: len(batch.Rows), Dropped: batch.Dropped, Characters: text.CharCount}, nil
}

// fail records the document failure when the job will not be retried.
func (w *Worker) fail(ctx context.Context, job *storage.Job, doc *storage.Document, err error) {
	if queue.WillRetry(job, err) {
		w.log.Warn("ingestion attempt failed, will retry",
			zap.String("document_id", doc.ID), zap.Int("attempt", job.Attempts), zap.Error(err))
		return
	}
	if merr := w.store.MarkDocumentFailed(context.WithoutCancel(ctx), doc.ID, FailureMessage(err)); merr != nil {
		w.log.Error("marking document failed", zap.String("document_id", doc.ID), zap.Error(merr))
	}
}

// FailureMessage is the error text shown on a failed document. For a
// document whose chunks all failed to embed it is the provider's own error.
func FailureMessage(err error) string {
	var pe *retrieval.EmbeddingProviderError
	if errors.Is(err, ErrNoEmbeddings) && errors.As(err, &pe) {
		return pe.Err.Error()
	}
	return err.Error()
}

func decodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("parsing payload: %w", err)
	}
	if p.DocumentID == "" {
		return p, errors.New("payload has no document_id")
	}
	return p, nil
}

func checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w before %s", ErrBudgetExceeded, stage)
		}
		return err
	}
	return nil
}
