package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"engram/application/services"
)

// BlockHandler serves the shared-block CRUD surface.
type BlockHandler struct {
	blocks *services.BlockService
	logger *zap.Logger
}

// NewBlockHandler creates the handler.
func NewBlockHandler(blocks *services.BlockService, logger *zap.Logger) *BlockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockHandler{blocks: blocks, logger: logger}
}

type blockUpsertRequest struct {
	Content string `json:"content"`
	AgentID string `json:"agent_id,omitempty"`
}

// Upsert handles PUT /blocks/{name}. Last writer wins; the version
// counter increments on every write.
func (h *BlockHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req blockUpsertRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Content is required")
		return
	}

	cell, err := h.blocks.Upsert(r.Context(), name, req.Content, req.AgentID)
	if err != nil {
		h.logger.Error("block upsert failed", zap.String("block", name), zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Block upsert failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"name":    name,
		"version": cell.BlockVersion,
		"block":   cell,
	})
}

// Get handles GET /blocks/{name}.
func (h *BlockHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cell, err := h.blocks.Get(r.Context(), name)
	if err != nil {
		respondError(w, h.logger, statusFor(err), "Block not found")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, cell)
}

// List handles GET /blocks.
func (h *BlockHandler) List(w http.ResponseWriter, r *http.Request) {
	cells, err := h.blocks.List(r.Context())
	if err != nil {
		h.logger.Error("block list failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Block list failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"blocks": cells,
		"total":  len(cells),
	})
}

// Delete handles DELETE /blocks/{name}.
func (h *BlockHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.blocks.Delete(r.Context(), name); err != nil {
		respondError(w, h.logger, statusFor(err), "Block delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
