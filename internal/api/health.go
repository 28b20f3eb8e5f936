package api

import (
	"net/http"

	"github.com/seantiz/dynexec/internal/backend"
)

type healthResponse struct {
	Status    string `json:"status"`
	Executors string `json:"executors"`
}

// handleHealthz answers 503 once the executor manager is finalizing.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.session.Manager().Snapshot().State
	if state == backend.StateFinalizing.String() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Executors: state})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Executors: state})
}
