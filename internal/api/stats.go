package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stevedore/internal/model"
)

// runStatsResponse is the JSON response for GET /v1/runs/:id/stats.
type runStatsResponse struct {
	RunID    string         `json:"run_id"`
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type"`
	Failures int            `json:"failures"`
	Launches int            `json:"launches"`
}

func (s *Server) handleGetRunStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := s.events.Events(r.Context(), id)
	if err != nil {
		s.logger.Error("get run stats", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	stats := runStatsResponse{RunID: id, Total: len(events), ByType: map[string]int{}}
	for _, ev := range events {
		stats.ByType[string(ev.Type)]++
		if ev.Failure() {
			stats.Failures++
		}
		if ev.Type == model.EventResourceLaunched {
			stats.Launches++
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}
