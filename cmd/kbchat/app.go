package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/extract"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// leaseMargin is added to the ingest budget to form the job lease.
const leaseMargin = 2 * time.Minute

// app is the part of the stack shared by serve and worker: storage, the
// vector backend, the job queue and the ingestion dispatcher.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	store      *storage.Store
	engine     *engine.OllamaEngine
	embedder   engine.TextEmbedder
	vectors    retrieval.VectorStore
	queue      *queue.Queue
	dispatcher *queue.Dispatcher
	documents  *ingest.Documents

	closers []func()
}

type appOptions struct {
	// Workers overrides queue.workers when positive.
	Workers int
	// ChatModel is pulled along with the embedding model when set.
	ChatModel string
	// SkipModelCheck skips the local daemon readiness check.
	SkipModelCheck bool
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, log: log, metrics: metrics.New("kbchat", true)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.engine = engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if !opts.SkipModelCheck {
		embedModel := ""
		if cfg.Embedding.Provider == "" || cfg.Embedding.Provider == "ollama" {
			embedModel = cfg.Embedding.Model
		}
		if opts.ChatModel != "" || embedModel != "" {
			if err := engine.EnsureReady(ctx, a.engine, os.Stderr, opts.ChatModel, embedModel); err != nil {
				return nil, err
			}
		}
	}

	a.embedder, err = engine.NewTextEmbedder(engine.EmbedderConfig{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	}, a.engine)
	if err != nil {
		return nil, fmt.Errorf("configuring embeddings: %w", err)
	}

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			log.Warn("closing storage", zap.Error(err))
		}
	})

	switch cfg.Vector.Backend {
	case "postgres":
		pg, err := retrieval.NewPGStore(ctx, cfg.Vector.PostgresDSN, a.store)
		if err != nil {
			return nil, fmt.Errorf("connecting vector store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		a.vectors = pg
	default:
		a.vectors = retrieval.NewSQLiteStore(a.store.DB(), a.store)
	}
	log.Info("vector store ready", zap.String("backend", cfg.Vector.Backend))

	var notifier queue.Notifier
	if cfg.NATS.URL != "" {
		n, err := queue.NewNATSNotifier(cfg.NATS.URL, "", log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { n.Close() })
		notifier = n
		log.Info("job notifications over NATS", zap.String("url", cfg.NATS.URL))
	}
	a.queue = queue.New(a.store, queue.Options{
		Notifier:    notifier,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      log,
	})

	extractor, err := extract.NewService(extract.Options{
		MaxFetchBytes: int64(cfg.Ingest.MaxFetchBytes),
		S3: extract.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		},
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring extraction: %w", err)
	}

	worker := ingest.NewWorker(a.store, extractor,
		retrieval.NewGenerator(a.embedder, cfg.Embedding.Concurrency, log),
		a.vectors,
		ingest.Config{
			ChunkSize:    cfg.Ingest.ChunkSize,
			ChunkOverlap: cfg.Ingest.ChunkOverlap,
			Budget:       cfg.IngestBudget(),
			Logger:       log,
			Metrics:      a.metrics,
		})

	workers := cfg.Queue.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	a.documents = ingest.NewDocuments(a.store, a.queue, a.vectors)
	a.dispatcher = queue.NewDispatcher(a.queue, queue.DispatcherOptions{
		Workers:      workers,
		PollInterval: cfg.PollInterval(),
		Retention:    cfg.Retention(),
		// An attempt ends within its budget, so a job processing for longer
		// than budget plus margin has lost its worker.
		Lease:       cfg.IngestBudget() + leaseMargin,
		OnAbandoned: a.documents.Abandon,
		Logger:      log,
		Metrics:     a.metrics,
	})
	a.dispatcher.Register(ingest.JobType, worker)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
