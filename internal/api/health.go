package api

import "net/http"

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// handleHealthz reports process liveness only. Backend reachability is
// checked per work unit by /v1/health.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backend: s.delegator.BackendName()})
}
