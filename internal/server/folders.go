package server

import (
	"errors"
	"net/http"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/vfs"
)

func (s *Server) handleFolderList(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent")
	folders, err := s.folders.List(r.Context(), parentID)
	if err != nil {
		s.log.WithError(err).Error("list folders failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, folders)
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	folder, err := s.folders.Create(r.Context(), req.Name, req.ParentID)
	if err != nil {
		switch {
		case errors.Is(err, vfs.ErrInvalidName):
			respondErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			respondErr(w, http.StatusNotFound, "parent folder not found")
		default:
			s.log.WithError(err).Error("create folder failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.recorder.Record(r.Context(), activity.ActionFolderCreate, "folder", folder.ID, map[string]any{"path": folder.Path})
	respond(w, http.StatusCreated, folder)
}

func (s *Server) handleFolderRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	folder, err := s.folders.Rename(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		switch {
		case errors.Is(err, vfs.ErrInvalidName):
			respondErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			respondErr(w, http.StatusNotFound, "folder not found")
		default:
			s.log.WithError(err).Error("rename folder failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.recorder.Record(r.Context(), activity.ActionFolderRename, "folder", folder.ID, map[string]any{"name": folder.Name, "path": folder.Path})
	respond(w, http.StatusOK, folder)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.folders.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondErr(w, http.StatusNotFound, "folder not found")
		case errors.Is(err, storage.ErrNotEmpty):
			respondErr(w, http.StatusConflict, "folder is not empty")
		default:
			s.log.WithError(err).Error("delete folder failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.recorder.Record(r.Context(), activity.ActionFolderDelete, "folder", id, nil)
	respond(w, http.StatusOK, map[string]string{"id": id})
}
