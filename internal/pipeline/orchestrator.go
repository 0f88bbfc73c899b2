// Package pipeline answers chat turns with retrieval-augmented generation.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/confidence"
	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/retrieval"
)

const (
	defaultTopK      = 5
	defaultThreshold = 0.5
)

// Retriever finds the chunks of a knowledge base relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, kbID, query string, topK int, threshold float64) ([]retrieval.Result, error)
}

// Generator starts a token stream. *generation.Gateway implements it.
type Generator interface {
	Stream(ctx context.Context, msgs []generation.Message, opts generation.Options) (*generation.Stream, error)
}

type Config struct {
	TopK      int
	Threshold float64
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Query is one chat turn.
type Query struct {
	Text            string
	KnowledgeBaseID string
	History         []generation.Message
	Generation      generation.Options
}

// Metadata travels beside the model's output, never inside it.
type Metadata struct {
	Confidence confidence.Score   `json:"confidence"`
	Sources    []retrieval.Result `json:"sources"`
	Retrieval  time.Duration      `json:"-"`
}

// Answer is an in-flight grounded response.
type Answer struct {
	Stream   *generation.Stream
	Metadata Metadata
}

// Orchestrator runs retrieval, scoring, prompt composition and generation
// for a chat turn.
type Orchestrator struct {
	retriever Retriever
	composer  *composer.Composer
	generator Generator
	topK      int
	threshold float64
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewOrchestrator wires the pipeline. TopK <= 0 means 5; a zero Threshold
// means 0.5.
func NewOrchestrator(r Retriever, comp *composer.Composer, gen Generator, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	return &Orchestrator{
		retriever: r,
		composer:  comp,
		generator: gen,
		topK:      cfg.TopK,
		threshold: cfg.Threshold,
		log:       logging.OrNop(cfg.Logger).Named("pipeline"),
		metrics:   cfg.Metrics,
	}
}

// Search returns the chunks of kbID relevant to query without generating.
func (o *Orchestrator) Search(ctx context.Context, kbID, query string, topK int) ([]retrieval.Result, error) {
	if topK <= 0 {
		topK = o.topK
	}
	return o.retriever.Retrieve(ctx, kbID, query, topK, o.threshold)
}

// Answer retrieves context for q and starts generation. A retrieval failure
// is returned before any generation starts. When no chunk meets the
// threshold the turn proceeds without context and confidence is low.
func (o *Orchestrator) Answer(ctx context.Context, q Query) (*Answer, error) {
	start := time.Now()
	results, err := o.retriever.Retrieve(ctx, q.KnowledgeBaseID, q.Text, o.topK, o.threshold)
	if err != nil {
		o.log.Warn("retrieval failed", zap.String("knowledge_base_id", q.KnowledgeBaseID), zap.Error(err))
		return nil, err
	}
	results = o.relevant(results)

	meta := Metadata{
		Confidence: confidence.Compute(retrieval.Similarities(results)),
		Sources:    results,
		Retrieval:  time.Since(start),
	}
	if len(results) == 0 {
		meta.Confidence = meta.Confidence.Forced()
	}
	o.metrics.Confidence(string(meta.Confidence.Bucket))

	msgs := o.composer.Compose(q.Text, q.History, results)
	stream, err := o.generator.Stream(ctx, msgs, q.Generation)
	if err != nil {
		return nil, err
	}

	o.log.Debug("answer started",
		zap.String("knowledge_base_id", q.KnowledgeBaseID),
		zap.Int("sources", len(results)),
		zap.String("confidence", string(meta.Confidence.Bucket)),
		zap.Duration("retrieval", meta.Retrieval))
	return &Answer{Stream: stream, Metadata: meta}, nil
}

// relevant drops results under the threshold and guarantees a non-nil slice.
func (o *Orchestrator) relevant(results []retrieval.Result) []retrieval.Result {
	out := make([]retrieval.Result, 0, len(results))
	for _, r := range results {
		if r.Similarity >= o.threshold {
			out = append(out, r)
		}
	}
	return out
}
