package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
)

func (s *Server) handleActivityList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.recorder.List(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("list activity failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, entries)
}

func (s *Server) handleActivityClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.recorder.Clear(r.Context())
	if err != nil {
		s.log.WithError(err).Error("clear activity failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleActivityFeed upgrades to a websocket and streams entries as
// they are recorded. Auth is by admin secret in the query string since
// browser websocket clients cannot set headers.
func (s *Server) handleActivityFeed(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("secret")), []byte(s.adminSecret)) != 1 {
		respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.feed.ServeHTTP(w, r)
}
