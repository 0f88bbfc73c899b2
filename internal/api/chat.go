package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/chat"
	"github.com/kalambet/kbchat/internal/confidence"
	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/retrieval"
)

type createSessionRequest struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Title           string `json:"title"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.KnowledgeBaseID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "knowledge_base_id is required")
		return
	}
	sess, err := h.deps.Chat.CreateSession(r.Context(), req.KnowledgeBaseID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionViewOf(sess))
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.deps.Chat.Messages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	used, err := h.deps.Chat.Usage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]messageView, len(msgs))
	for i := range msgs {
		out[i] = messageViewOf(&msgs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    out,
		"tokens_used": used,
		"streaming":   h.deps.Chat.Streaming(id),
	})
}

// turnRequest carries the per-turn generation settings. Content is ignored
// by regenerate.
type turnRequest struct {
	Content     string   `json:"content"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Deployment  string   `json:"deployment"`
	// Stream defaults to true.
	Stream *bool `json:"stream"`
}

func (t turnRequest) options() (generation.Options, error) {
	opts := generation.Options{
		Provider:    t.Provider,
		Model:       t.Model,
		Temperature: t.Temperature,
		MaxTokens:   t.MaxTokens,
	}
	if t.Deployment != "" {
		d, err := generation.ParseDeployment(t.Deployment)
		if err != nil {
			return opts, err
		}
		opts.Deployment = d
	}
	return opts, nil
}

func (t turnRequest) streaming() bool { return t.Stream == nil || *t.Stream }

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	reply, err := h.deps.Chat.Send(r.Context(), chi.URLParam(r, "id"), req.Content, opts)
	h.respond(w, r, req, reply, err)
}

func (h *handlers) regenerate(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	reply, err := h.deps.Chat.Regenerate(r.Context(), chi.URLParam(r, "id"), opts)
	h.respond(w, r, req, reply, err)
}

func (h *handlers) cancelTurn(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.deps.Chat.Cancel(chi.URLParam(r, "id"))})
}

type tokenEnvelope struct {
	Token string `json:"token"`
}

type doneEnvelope struct {
	Done            bool               `json:"done"`
	MessageID       string             `json:"message_id"`
	Content         string             `json:"content"`
	Provider        string             `json:"provider,omitempty"`
	Model           string             `json:"model,omitempty"`
	TokensUsed      int                `json:"tokens_used"`
	TokensEstimated bool               `json:"tokens_estimated"`
	Cancelled       bool               `json:"cancelled,omitempty"`
	Confidence      confidence.Score   `json:"confidence"`
	Sources         []retrieval.Result `json:"sources"`
}

type errorEnvelope struct {
	Error     string `json:"error"`
	Done      bool   `json:"done"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// respond writes a chat turn. A retrieval failure ends a streamed turn
// inline, as it is already stored on the session.
func (h *handlers) respond(w http.ResponseWriter, r *http.Request, req turnRequest, reply *chat.Reply, err error) {
	if err != nil {
		if req.streaming() && errors.Is(err, retrieval.ErrRetrieval) {
			w.Header().Set("Content-Type", "application/x-ndjson")
			json.NewEncoder(w).Encode(errorEnvelope{Error: err.Error(), Done: true})
			return
		}
		writeError(w, err)
		return
	}

	// The client going away stops generation; the partial answer is kept.
	stop := context.AfterFunc(r.Context(), reply.Cancel)
	defer stop()

	if !req.streaming() {
		msg, err := reply.Wait()
		view := messageViewOf(&msg)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "message": view})
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Message-Id", reply.MessageID)
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	write := func(v any) {
		if err := enc.Encode(v); err != nil {
			h.log.Debug("stream write failed", zap.String("message_id", reply.MessageID), zap.Error(err))
			reply.Cancel()
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for ev := range reply.Events() {
		if !ev.Done {
			write(tokenEnvelope{Token: ev.Token})
			continue
		}
		if ev.Err != nil {
			write(errorEnvelope{Error: ev.Err.Error(), Done: true, MessageID: reply.MessageID, Content: ev.Message.Content})
			continue
		}
		sources := reply.Metadata.Sources
		if sources == nil {
			sources = []retrieval.Result{}
		}
		write(doneEnvelope{
			Done:            true,
			MessageID:       reply.MessageID,
			Content:         ev.Message.Content,
			Provider:        ev.Message.Provider,
			Model:           ev.Message.Model,
			TokensUsed:      ev.Message.TokensUsed,
			TokensEstimated: ev.Message.TokensEstimated,
			Cancelled:       ev.Cancelled,
			Confidence:      reply.Metadata.Confidence,
			Sources:         sources,
		})
	}
}
