package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apperrors "engram/pkg/errors"
)

// statusFor maps the engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindConfig:
		return http.StatusBadRequest
	case apperrors.KindPolicy:
		return http.StatusForbidden
	case apperrors.KindSemantic:
		return http.StatusConflict
	case apperrors.KindResource:
		return http.StatusNotFound
	case apperrors.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}
