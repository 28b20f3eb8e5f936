package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/dynexec/internal/store"
)

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Manager().Snapshot())
}

// listValuesResponse is the JSON response for GET /v1/sessions/{id}/values.
type listValuesResponse struct {
	SessionID string         `json:"session_id"`
	Values    []*store.Value `json:"values"`
}

func (s *Server) handleListValues(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != s.session.ID {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	values, err := s.session.Values().ListValues(r.Context(), id)
	if err != nil {
		s.logger.Error("list session values", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list values")
		return
	}
	if values == nil {
		values = []*store.Value{}
	}
	s.writeJSON(w, http.StatusOK, listValuesResponse{SessionID: id, Values: values})
}
