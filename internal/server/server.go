// Package server exposes the HTTP API: upload orchestration for
// API-key holders and management endpoints for the dashboard.
package server

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/apikey"
	"github.com/stashpool/stashpool/internal/quota"
	"github.com/stashpool/stashpool/internal/ratelimit"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/upload"
	"github.com/stashpool/stashpool/internal/vault"
	"github.com/stashpool/stashpool/internal/vfs"
)

// Deps carries everything the server needs. All fields are required.
type Deps struct {
	DB          *storage.DB
	Ledger      *quota.Ledger
	Folders     *vfs.Service
	Uploads     *upload.Orchestrator
	Recorder    *activity.Recorder
	Feed        *activity.Hub
	Keys        *apikey.Service
	Vault       *vault.Vault
	AdminSecret string
	Log         *logrus.Logger
}

type Server struct {
	db          *storage.DB
	ledger      *quota.Ledger
	folders     *vfs.Service
	uploads     *upload.Orchestrator
	recorder    *activity.Recorder
	feed        *activity.Hub
	keys        *apikey.Service
	vault       *vault.Vault
	adminSecret string
	limits      *ratelimit.Registry
	log         *logrus.Logger
	mux         *http.ServeMux
}

func New(d Deps) *Server {
	s := &Server{
		db:          d.DB,
		ledger:      d.Ledger,
		folders:     d.Folders,
		uploads:     d.Uploads,
		recorder:    d.Recorder,
		feed:        d.Feed,
		keys:        d.Keys,
		vault:       d.Vault,
		adminSecret: d.AdminSecret,
		limits:      ratelimit.NewRegistry(120, time.Minute),
		log:         d.Log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Upload protocol, authenticated by API key.
	s.mux.HandleFunc("POST /api/uploads", s.withAPIKey(s.handleUploadInit))
	s.mux.HandleFunc("POST /api/uploads/finalize", s.withAPIKey(s.handleUploadFinalize))
	s.mux.HandleFunc("DELETE /api/uploads/{reservationID}", s.withAPIKey(s.handleUploadAbort))

	// Virtual folder tree.
	s.mux.HandleFunc("GET /api/folders", s.withAdmin(s.handleFolderList))
	s.mux.HandleFunc("POST /api/folders", s.withAdmin(s.handleFolderCreate))
	s.mux.HandleFunc("PATCH /api/folders/{id}", s.withAdmin(s.handleFolderRename))
	s.mux.HandleFunc("DELETE /api/folders/{id}", s.withAdmin(s.handleFolderDelete))

	// Files.
	s.mux.HandleFunc("GET /api/files", s.withAdmin(s.handleFileList))
	s.mux.HandleFunc("DELETE /api/files/{id}", s.withAdmin(s.handleFileDelete))

	// Storage nodes.
	s.mux.HandleFunc("GET /api/nodes", s.withAdmin(s.handleNodeList))
	s.mux.HandleFunc("POST /api/nodes", s.withAdmin(s.handleNodeLink))
	s.mux.HandleFunc("PATCH /api/nodes/{id}", s.withAdmin(s.handleNodeToggle))

	// API keys.
	s.mux.HandleFunc("POST /api/keys", s.withAdmin(s.handleKeyCreate))
	s.mux.HandleFunc("GET /api/keys", s.withAdmin(s.handleKeyList))
	s.mux.HandleFunc("DELETE /api/keys/{id}", s.withAdmin(s.handleKeyRevoke))

	// Activity log.
	s.mux.HandleFunc("GET /api/activity", s.withAdmin(s.handleActivityList))
	s.mux.HandleFunc("DELETE /api/activity", s.withAdmin(s.handleActivityClear))
	s.mux.HandleFunc("GET /api/activity/feed", s.handleActivityFeed)

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
