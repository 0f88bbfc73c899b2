package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

type createKnowledgeBaseRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
}

func (h *handlers) createKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	var req createKnowledgeBaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}
	if req.EmbeddingDim < 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "embedding_dim must not be negative")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if err := h.deps.Store.CreateKnowledgeBase(r.Context(), storage.KnowledgeBase{
		ID:             req.ID,
		Name:           req.Name,
		EmbeddingModel: req.EmbeddingModel,
		EmbeddingDim:   req.EmbeddingDim,
	}); err != nil {
		writeError(w, err)
		return
	}
	kb, err := h.deps.Store.GetKnowledgeBase(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kbView(kb))
}

func (h *handlers) listKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.deps.Store.ListKnowledgeBases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]knowledgeBaseView, len(kbs))
	for i := range kbs {
		out[i] = kbView(&kbs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	kb, err := h.deps.Store.GetKnowledgeBase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbView(kb))
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Store.GetKnowledgeBase(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	docs, err := h.deps.Store.ListDocuments(r.Context(), id, parseIntParam(r, "limit", 50, 500))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]documentView, len(docs))
	for i := range docs {
		out[i] = docView(&docs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

type submitDocumentRequest struct {
	SourceURI string `json:"source_uri"`
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	Priority  int    `json:"priority"`
}

type submissionView struct {
	Document documentView `json:"document"`
	JobID    string       `json:"job_id"`
}

func (h *handlers) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req submitDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SourceURI == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "source_uri is required")
		return
	}
	sub, err := h.deps.Documents.Submit(r.Context(), ingest.Upload{
		KnowledgeBaseID: chi.URLParam(r, "id"),
		SourceURI:       req.SourceURI,
		FileName:        req.FileName,
		FileType:        req.FileType,
		Priority:        req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("document submitted",
		zap.String("document_id", sub.Document.ID),
		zap.String("job_id", sub.JobID),
		zap.String("source_uri", req.SourceURI))
	writeJSON(w, http.StatusAccepted, submissionView{Document: docView(sub.Document), JobID: sub.JobID})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
		return
	}
	kbID := chi.URLParam(r, "id")
	if _, err := h.deps.Store.GetKnowledgeBase(r.Context(), kbID); err != nil {
		writeError(w, err)
		return
	}
	results, err := h.deps.Search.Search(r.Context(), kbID, req.Query, min(req.TopK, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *handlers) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.deps.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docView(doc))
}

func (h *handlers) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	sub, err := h.deps.Documents.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submissionView{Document: docView(sub.Document), JobID: sub.JobID})
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Documents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobViewOf(job))
}

// cancelJob cancels a pending or running job. A cancelled ingest job
// leaves its document failed.
func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := h.deps.Queue.Cancel(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	interrupted := h.deps.Running != nil && h.deps.Running.CancelRunning(id)

	job, err := h.deps.Queue.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Documents.Abandon(ctx, job, "ingestion cancelled"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.log.Error("marking cancelled document failed", zap.String("job_id", id), zap.Error(err))
	}
	h.log.Info("job cancelled", zap.String("job_id", id), zap.Bool("interrupted", interrupted))
	writeJSON(w, http.StatusOK, jobViewOf(job))
}
