package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"engram/application/services"
	"engram/domain/core"
)

// MemoryHandler serves the store, recall and feedback surface.
type MemoryHandler struct {
	store    *services.StoreService
	recall   *services.RecallService
	feedback *services.FeedbackService
	lessons  *services.LessonExtractor
	prefs    *services.PreferenceTracker
	logger   *zap.Logger
}

// NewMemoryHandler creates the handler. lessons and prefs may be nil.
func NewMemoryHandler(
	store *services.StoreService,
	recall *services.RecallService,
	feedback *services.FeedbackService,
	lessons *services.LessonExtractor,
	prefs *services.PreferenceTracker,
	logger *zap.Logger,
) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		store:    store,
		recall:   recall,
		feedback: feedback,
		lessons:  lessons,
		prefs:    prefs,
		logger:   logger,
	}
}

type storeRequest struct {
	Content    string         `json:"content"`
	AgentID    string         `json:"agent_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	MemoryType string         `json:"memory_type,omitempty"`
	Urgency    string         `json:"urgency,omitempty"`
	Importance float64        `json:"importance,omitempty"`
	EventTime  *time.Time     `json:"event_time,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// Store handles POST /memories.
func (h *MemoryHandler) Store(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Content is required")
		return
	}

	result, err := h.store.Store(r.Context(), services.StoreRequest{
		Content:    req.Content,
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		Type:       core.MemoryType(req.MemoryType),
		Urgency:    core.Urgency(req.Urgency),
		Importance: req.Importance,
		EventTime:  req.EventTime,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.logger.Error("store failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Store failed")
		return
	}

	// Every stored message is also a preference observation.
	if h.prefs != nil && req.UserID != "" && result.Cell != nil {
		h.prefs.Observe(req.UserID, req.AgentID, req.Content, result.Cell.ID)
	}

	status := http.StatusCreated
	if result.Action != services.ActionCreated {
		status = http.StatusOK
	}
	respondJSON(w, h.logger, status, map[string]interface{}{
		"action": result.Action,
		"memory": result.Cell,
		"reason": result.Reason,
	})
}

type recallRequest struct {
	Query    string   `json:"query"`
	AgentID  string   `json:"agent_id,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MinScore float64  `json:"min_score,omitempty"`
	Types    []string `json:"types,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
}

// Recall handles POST /recall.
func (h *MemoryHandler) Recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}

	types := make([]core.MemoryType, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, core.MemoryType(t))
	}
	resp, err := h.recall.Recall(r.Context(), services.RecallRequest{
		Query:    req.Query,
		AgentID:  req.AgentID,
		Limit:    req.Limit,
		MinScore: req.MinScore,
		Types:    types,
	})
	if err != nil {
		h.logger.Error("recall failed", zap.String("query", req.Query), zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Recall failed")
		return
	}

	hits := resp.Hits
	if h.prefs != nil && req.UserID != "" {
		for i := range hits {
			hits[i].Score += h.prefs.Boost(req.UserID, req.AgentID, hits[i])
		}
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"hits":       hits,
		"intent":     resp.Intent,
		"confidence": resp.Confidence,
		"from_cache": resp.FromCache,
		"total":      len(hits),
	})
}

type feedbackRequest struct {
	MemoryIDs []string `json:"memory_ids"`
	Response  string   `json:"response"`
	SessionID string   `json:"session_id,omitempty"`
}

// Feedback handles POST /feedback.
func (h *MemoryHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Response text is required")
		return
	}

	result, err := h.feedback.ApplyToIDs(r.Context(), req.MemoryIDs, req.Response)
	if err != nil {
		h.logger.Error("feedback failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Feedback failed")
		return
	}

	var frustration *services.FrustrationState
	if h.prefs != nil && req.SessionID != "" {
		state := h.prefs.RecordSignal(req.SessionID, result.Sentiment)
		frustration = &state
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"sentiment":   result.Sentiment,
		"referenced":  result.Referenced,
		"promoted":    result.Promoted,
		"flagged":     result.Flagged,
		"frustration": frustration,
	})
}

type lessonRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// Lessons handles POST /lessons: extract and persist lessons from a
// conversation turn.
func (h *MemoryHandler) Lessons(w http.ResponseWriter, r *http.Request) {
	if h.lessons == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Lesson extraction is disabled")
		return
	}
	var req lessonRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Text is required")
		return
	}

	cells, err := h.lessons.Extract(r.Context(), req.Text, req.Context)
	if err != nil {
		h.logger.Error("lesson extraction failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Lesson extraction failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"lessons": cells,
		"total":   len(cells),
	})
}

// Preferences handles GET /preferences/{userID}.
func (h *MemoryHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	if h.prefs == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Preference tracking is disabled")
		return
	}
	userID := chi.URLParam(r, "userID")
	agentID := r.URL.Query().Get("agent_id")
	prefs := h.prefs.Preferences(userID, agentID)
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"preferences": prefs,
		"total":       len(prefs),
	})
}
