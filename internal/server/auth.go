package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/stashpool/stashpool/internal/apikey"
)

// withAPIKey authenticates the X-API-Key header and applies a
// per-key rate limit before invoking the handler.
func (s *Server) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			respondErr(w, http.StatusUnauthorized, "missing api key")
			return
		}
		key, err := s.keys.Authenticate(r.Context(), presented)
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidKey) {
				respondErr(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			s.log.WithError(err).Error("api key lookup failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !s.limits.Allow(key.ID) {
			respondErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// withAdmin guards dashboard endpoints with the shared admin secret
// carried as a bearer token.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminSecret)) != 1 {
			respondErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
