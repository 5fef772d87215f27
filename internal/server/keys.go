package server

import (
	"net/http"
)

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondErr(w, http.StatusBadRequest, "name is required")
		return
	}
	record, secret, err := s.keys.Issue(r.Context(), req.Name)
	if err != nil {
		s.log.WithError(err).Error("issue api key failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	// The plaintext key is shown exactly once.
	respond(w, http.StatusCreated, map[string]any{"key": secret, "record": record})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list api keys failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, keys)
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.keys.Revoke(r.Context(), id); err != nil {
		s.log.WithError(err).Error("revoke api key failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}
