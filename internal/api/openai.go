package api

import (
	"net/http"

	"github.com/kalambet/kbchat/internal/proxy"
)

// listModels mirrors the cloud provider's OpenAI-compatible model list.
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	if h.deps.Models == nil {
		writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: []proxy.Model{}})
		return
	}
	models, err := h.deps.Models.ListModels(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: models})
}
