package server

import (
	"errors"
	"net/http"

	"github.com/stashpool/stashpool/internal/storage"
)

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	folderID := r.URL.Query().Get("folder")
	files, err := s.db.ListFiles(r.Context(), folderID)
	if err != nil {
		s.log.WithError(err).Error("list files failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, files)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.uploads.DeleteFile(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondErr(w, http.StatusNotFound, "file not found")
			return
		}
		s.log.WithError(err).Error("delete file failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}
