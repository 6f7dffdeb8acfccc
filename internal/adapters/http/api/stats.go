package api

import (
	"context"
	"net/http"

	"github.com/okian/pitchpulse/internal/domain/types"
)

// StatsProvider reports service counters and per-match figures.
type StatsProvider interface {
	GetStats() map[string]interface{}
	MatchStats(ctx context.Context, matchID string) (types.MatchStats, error)
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// HandleStats answers with the service counters, or with one match's
// figures when the match query parameter is set.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("match")
	if matchID == "" {
		writeJSON(w, http.StatusOK, h.provider.GetStats())
		return
	}
	st, err := h.provider.MatchStats(r.Context(), matchID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
