// Package providertest is an in-process fake of the remote provider for
// integration tests: a token endpoint, a resumable-session endpoint, and a
// chunked upload sink.
package providertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Fake is a stand-in remote provider backed by httptest.Server.
type Fake struct {
	Server *httptest.Server

	mu       sync.Mutex
	sessions map[string]*session
	objects  map[string][]byte

	// ValidRefreshTokens maps accepted refresh tokens to the access token
	// the token endpoint hands out for them.
	ValidRefreshTokens map[string]string
	// ValidAccessTokens gates the session and delete endpoints.
	ValidAccessTokens map[string]bool
	// FailSessionInit, when set, makes session creation return 503.
	FailSessionInit bool
	// OmitSessionURL, when set, makes session creation succeed without a
	// Location header.
	OmitSessionURL bool
}

type session struct {
	id       string
	total    int64
	received []byte
}

// New starts a fake provider. Callers own the server and must Close it.
func New() *Fake {
	f := &Fake{
		sessions:           make(map[string]*session),
		objects:            make(map[string][]byte),
		ValidRefreshTokens: make(map[string]string),
		ValidAccessTokens:  make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("POST /upload/files", f.handleSessionInit)
	mux.HandleFunc("PUT /session/{id}", f.handleChunk)
	mux.HandleFunc("DELETE /api/files/{id}", f.handleDelete)
	f.Server = httptest.NewServer(mux)
	return f
}

// Close shuts the fake down.
func (f *Fake) Close() { f.Server.Close() }

// TokenURL returns the fake token endpoint.
func (f *Fake) TokenURL() string { return f.Server.URL + "/token" }

// UploadURL returns the fake session-init endpoint.
func (f *Fake) UploadURL() string { return f.Server.URL + "/upload/files" }

// APIURL returns the fake object API base.
func (f *Fake) APIURL() string { return f.Server.URL + "/api" }

// Object returns the bytes stored for a finalized upload.
func (f *Fake) Object(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[id]
	return b, ok
}

func (f *Fake) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	access, ok := f.ValidRefreshTokens[r.PostFormValue("refresh_token")]
	if ok {
		f.ValidAccessTokens[access] = true
	}
	f.mu.Unlock()
	if !ok || r.PostFormValue("grant_type") != "refresh_token" {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": access,
		"expires_in":   3600,
	})
}

func (f *Fake) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ValidAccessTokens[token]
}

func (f *Fake) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if f.FailSessionInit {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	total, err := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
	if err != nil {
		http.Error(w, "missing upload length", http.StatusBadRequest)
		return
	}

	s := &session{id: uuid.New().String(), total: total}
	f.mu.Lock()
	f.sessions[s.id] = s
	f.mu.Unlock()

	if !f.OmitSessionURL {
		w.Header().Set("Location", f.Server.URL+"/session/"+s.id)
	}
	w.WriteHeader(http.StatusOK)
}

func (f *Fake) handleChunk(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	s, ok := f.sessions[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		http.Error(w, "bad Content-Range", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if start != int64(len(s.received)) {
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}
	buf := make([]byte, end-start+1)
	if _, err := io.ReadFull(r.Body, buf); err != nil {
		http.Error(w, "short chunk body", http.StatusBadRequest)
		return
	}
	s.received = append(s.received, buf...)

	if int64(len(s.received)) < s.total {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(s.received)-1))
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	objectID := uuid.New().String()
	f.objects[objectID] = s.received
	delete(f.sessions, s.id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": objectID})
}

func (f *Fake) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.objects[id]; !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	delete(f.objects, id)
	w.WriteHeader(http.StatusNoContent)
}
