package api

import (
	"net/http"

	"github.com/seantiz/stevedore/internal/backend"
)

// backendsResponse lists every registered backend and names the one new
// launches go to.
type backendsResponse struct {
	Active   string                `json:"active"`
	Backends []backend.BackendInfo `json:"backends"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Active:   s.delegator.BackendName(),
		Backends: s.registry.List(),
	})
}
