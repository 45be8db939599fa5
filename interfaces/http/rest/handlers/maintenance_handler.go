package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"engram/application/ports"
	"engram/application/services"
)

// MaintenanceHandler exposes the offline jobs for manual triggering and
// the stats endpoint. The scheduler runs the same jobs on its own clock;
// these routes exist for operators and tests.
type MaintenanceHandler struct {
	consolidator *services.Consolidator
	dreamer      *services.Dreamer
	miner        *services.PatternMiner
	stats        *services.StatsService
	partitions   ports.Partitions
	logger       *zap.Logger
}

// NewMaintenanceHandler creates the handler. Any job may be nil.
func NewMaintenanceHandler(
	consolidator *services.Consolidator,
	dreamer *services.Dreamer,
	miner *services.PatternMiner,
	stats *services.StatsService,
	partitions ports.Partitions,
	logger *zap.Logger,
) *MaintenanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceHandler{
		consolidator: consolidator,
		dreamer:      dreamer,
		miner:        miner,
		stats:        stats,
		partitions:   partitions,
		logger:       logger,
	}
}

// Consolidate handles POST /maintenance/consolidate.
func (h *MaintenanceHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	if h.consolidator == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Consolidation is disabled")
		return
	}
	report, err := h.consolidator.Run(r.Context(), h.partitions.Shared)
	if err != nil {
		h.logger.Error("consolidation failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Consolidation failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, report)
}

// Dream handles POST /maintenance/dream.
func (h *MaintenanceHandler) Dream(w http.ResponseWriter, r *http.Request) {
	if h.dreamer == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Dream cycle is disabled")
		return
	}
	report, err := h.dreamer.Run(r.Context())
	if err != nil {
		h.logger.Error("dream failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Dream failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, report)
}

// Mine handles POST /maintenance/mine.
func (h *MaintenanceHandler) Mine(w http.ResponseWriter, r *http.Request) {
	if h.miner == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Pattern mining is disabled")
		return
	}
	report, err := h.miner.Mine(r.Context())
	if err != nil {
		h.logger.Error("mining failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Mining failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"scanned":          report.Scanned,
		"clusters":         len(report.Clusters),
		"top_terms":        report.TopTerms,
		"recurring_errors": len(report.RecurringErrors),
		"co_occurrences":   len(report.CoOccurrences),
		"persisted":        report.Persisted,
	})
}

// Stats handles GET /stats.
func (h *MaintenanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, h.logger, http.StatusNotImplemented, "Stats are disabled")
		return
	}
	stats, err := h.stats.Collect(r.Context())
	if err != nil {
		h.logger.Error("stats collection failed", zap.Error(err))
		respondError(w, h.logger, statusFor(err), "Stats collection failed")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, stats)
}
