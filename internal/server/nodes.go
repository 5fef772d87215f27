package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/storage"
)

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		s.log.WithError(err).Error("node snapshot failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, snapshot)
}

// handleNodeLink registers a remote account whose OAuth consent was
// completed externally. Tokens arrive in plaintext once and are sealed
// before they touch the database.
func (s *Server) handleNodeLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Total        int64  `json:"total"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Total <= 0 || req.RefreshToken == "" {
		respondErr(w, http.StatusBadRequest, "email, total and refreshToken are required")
		return
	}
	access, err := s.vault.Seal([]byte(req.AccessToken))
	if err != nil {
		s.log.WithError(err).Error("seal access token failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	refresh, err := s.vault.Seal([]byte(req.RefreshToken))
	if err != nil {
		s.log.WithError(err).Error("seal refresh token failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	now := time.Now()
	node := &storage.Node{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Total:        req.Total,
		Active:       true,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  now.Add(time.Duration(req.ExpiresIn) * time.Second).Unix(),
		CreatedAt:    now.Unix(),
	}
	if err := s.db.CreateNode(r.Context(), node); err != nil {
		s.log.WithError(err).Error("link node failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.recorder.Record(r.Context(), activity.ActionNodeLinked, "node", node.ID, map[string]any{"email": node.Email, "total": node.Total})
	respond(w, http.StatusCreated, node)
}

func (s *Server) handleNodeToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if err := s.db.SetNodeActive(r.Context(), id, req.Active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondErr(w, http.StatusNotFound, "node not found")
			return
		}
		s.log.WithError(err).Error("toggle node failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.recorder.Record(r.Context(), activity.ActionNodeToggled, "node", id, map[string]any{"active": req.Active})
	respond(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}
