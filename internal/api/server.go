// Package api exposes knowledge bases, documents, jobs and chat over HTTP,
// and the knowledge base tools over MCP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/chat"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/proxy"
	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// Searcher finds the chunks of a knowledge base relevant to a query.
// *pipeline.Orchestrator implements it.
type Searcher interface {
	Search(ctx context.Context, kbID, query string, topK int) ([]retrieval.Result, error)
}

// JobCanceller interrupts a job running in this process.
// *queue.Dispatcher implements it.
type JobCanceller interface {
	CancelRunning(jobID string) bool
}

// ModelLister lists the models of the cloud provider. *proxy.Client
// implements it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

type Deps struct {
	Store     *storage.Store
	Queue     *queue.Queue
	Documents *ingest.Documents
	Chat      *chat.Service
	Search    Searcher
	Running   JobCanceller // optional; nil when no dispatcher runs in-process
	Models    ModelLister  // optional
	Metrics   *metrics.Metrics
	Token     string
	Logger    *zap.Logger
}

// NewHandler builds the HTTP API. Health and metrics are served without
// authentication.
func NewHandler(deps Deps) http.Handler {
	h := &handlers{deps: deps, log: logging.OrNop(deps.Logger).Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/v1/models", h.listModels)

		r.Route("/knowledge-bases", func(r chi.Router) {
			r.Post("/", h.createKnowledgeBase)
			r.Get("/", h.listKnowledgeBases)
			r.Get("/{id}", h.getKnowledgeBase)
			r.Get("/{id}/documents", h.listDocuments)
			r.Post("/{id}/documents", h.submitDocument)
			r.Post("/{id}/search", h.search)
		})

		r.Get("/documents/{id}", h.getDocument)
		r.Post("/documents/{id}/reprocess", h.reprocessDocument)
		r.Delete("/documents/{id}", h.deleteDocument)

		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/cancel", h.cancelJob)

		r.Route("/chat/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Get("/{id}/messages", h.listMessages)
			r.Post("/{id}/messages", h.sendMessage)
			r.Post("/{id}/regenerate", h.regenerate)
			r.Post("/{id}/cancel", h.cancelTurn)
		})
	})

	return r
}

type handlers struct {
	deps Deps
	log  *zap.Logger
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
